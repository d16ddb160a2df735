// Package payload decodes the binary record sent by the meteo sensor.
package payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// RecordSize is the size of a plaintext record:
	// int32 temperature, int32 pressure, int8 humidity, int16 battery.
	RecordSize = 4 + 4 + 1 + 2

	// KeySize is the size of the pre-shared AES-128 key.
	KeySize = 16

	// EnvelopeSize is the size of an encrypted payload: one IV followed by one ciphertext block.
	EnvelopeSize = aes.BlockSize + KeySize

	kelvinOffset = 273.15
)

var (
	// ErrMalformedPayload is returned when the payload length does not match a known layout.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNoKey is returned when an encrypted payload is received but no key was configured.
	ErrNoKey = errors.New("encrypted payload but no key configured")
)

// MalformedPayloadError carries the offending length, it matches ErrMalformedPayload with errors.Is.
type MalformedPayloadError struct {
	Len int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: got %d bytes, want %d or %d", e.Len, RecordSize, EnvelopeSize)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// Measurement is a decoded sensor record.
type Measurement struct {
	Temperature    float64 // °C
	Pressure       float64 // Pa
	Humidity       float64 // %RH
	BatteryVoltage float64 // V
}

func (m Measurement) String() string {
	return fmt.Sprintf("T=%.2f°C, P=%.2fhPa, RH=%.0f%%, BAT=%.3fV",
		m.Temperature, m.Pressure/100, m.Humidity, m.BatteryVoltage)
}

// record is the wire layout, little endian.
type record struct {
	Temperature int32 // milli Kelvin
	Pressure    int32 // Pa
	Humidity    int8  // %RH
	Battery     int16 // mV
}

// Codec decrypts and decodes payloads, it is safe for concurrent use.
type Codec struct {
	block cipher.Block
}

// NewCodec returns a Codec, key may be empty for plaintext only deployments.
func NewCodec(key []byte) (*Codec, error) {
	c := &Codec{}
	if len(key) == 0 {
		return c, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c.block = block
	return c, nil
}

// Decode returns the measurement carried by raw.
// A raw payload of EnvelopeSize bytes is decrypted first, the record being
// the head of the decrypted block.
func (c *Codec) Decode(raw []byte) (Measurement, error) {
	var m Measurement

	if len(raw) == EnvelopeSize {
		plain, err := c.decrypt(raw)
		if err != nil {
			return m, err
		}
		raw = plain[:RecordSize]
	}

	if len(raw) != RecordSize {
		return m, &MalformedPayloadError{Len: len(raw)}
	}

	var r record
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	m.Temperature = float64(r.Temperature)/1000.0 - kelvinOffset
	m.Pressure = float64(r.Pressure)
	m.Humidity = float64(r.Humidity)
	m.BatteryVoltage = float64(r.Battery) / 1000.0

	return m, nil
}

func (c *Codec) decrypt(env []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNoKey
	}
	iv := env[:aes.BlockSize]
	plain := make([]byte, len(env)-aes.BlockSize)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, env[aes.BlockSize:])
	return plain, nil
}

// Encrypt wraps a plaintext record into an envelope using iv,
// the record is zero padded to one block.
func (c *Codec) Encrypt(rec, iv []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNoKey
	}
	if len(rec) != RecordSize {
		return nil, &MalformedPayloadError{Len: len(rec)}
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid iv size %d, want %d", len(iv), aes.BlockSize)
	}
	plain := make([]byte, aes.BlockSize)
	copy(plain, rec)

	env := make([]byte, EnvelopeSize)
	copy(env, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(env[aes.BlockSize:], plain)
	return env, nil
}

// Encode returns the plaintext record for m, values are rounded to the wire precision.
func Encode(m Measurement) []byte {
	r := record{
		Temperature: int32(math.Round((m.Temperature + kelvinOffset) * 1000)),
		Pressure:    int32(math.Round(m.Pressure)),
		Humidity:    int8(math.Round(m.Humidity)),
		Battery:     int16(math.Round(m.BatteryVoltage * 1000)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, RecordSize))
	// writes into a bytes.Buffer never fail
	_ = binary.Write(buf, binary.LittleEndian, &r)
	return buf.Bytes()
}

// EncodeRaw returns a record from raw wire values.
func EncodeRaw(temperature, pressure int32, humidity int8, battery int16) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, RecordSize))
	_ = binary.Write(buf, binary.LittleEndian, &record{
		Temperature: temperature,
		Pressure:    pressure,
		Humidity:    humidity,
		Battery:     battery,
	})
	return buf.Bytes()
}

