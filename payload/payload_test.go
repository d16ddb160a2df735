package payload

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func TestDecodePlaintext(t *testing.T) {
	c, err := NewCodec(nil)
	require.NoError(t, err)

	raw := EncodeRaw(298150, 101325, 55, 3300)
	require.Len(t, raw, RecordSize)

	m, err := c.Decode(raw)
	require.NoError(t, err)
	require.InDelta(t, 25.0, m.Temperature, 0.0001)
	require.Equal(t, 101325.0, m.Pressure)
	require.Equal(t, 55.0, m.Humidity)
	require.InDelta(t, 3.3, m.BatteryVoltage, 0.0001)

	// decoding is pure
	m2, err := c.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, m, m2)
}

func TestDecodeLayout(t *testing.T) {
	c, err := NewCodec(nil)
	require.NoError(t, err)

	// temperature 21350 mK, pressure -1 Pa, humidity -5, battery -1000 mV
	raw := []byte{
		0x66, 0x53, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff,
		0xfb,
		0x18, 0xfc,
	}
	m, err := c.Decode(raw)
	require.NoError(t, err)
	require.InDelta(t, 21.35-273.15, m.Temperature, 0.0001)
	require.Equal(t, -1.0, m.Pressure)
	require.Equal(t, -5.0, m.Humidity)
	require.InDelta(t, -1.0, m.BatteryVoltage, 0.0001)
}

func TestDecodeEncrypted(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	rec := EncodeRaw(298150, 101325, 55, 3300)
	iv := []byte("0123456789abcdef")
	env, err := c.Encrypt(rec, iv)
	require.NoError(t, err)
	require.Len(t, env, EnvelopeSize)
	require.Equal(t, iv, env[:16])

	m, err := c.Decode(env)
	require.NoError(t, err)

	plain, err := c.Decode(rec)
	require.NoError(t, err)
	require.Equal(t, plain, m)
}

func TestDecodeEncryptedWithoutKey(t *testing.T) {
	keyed, err := NewCodec(testKey)
	require.NoError(t, err)
	env, err := keyed.Encrypt(EncodeRaw(298150, 101325, 55, 3300), make([]byte, 16))
	require.NoError(t, err)

	c, err := NewCodec(nil)
	require.NoError(t, err)
	_, err = c.Decode(env)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestDecodeMalformed(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	for _, n := range []int{0, 10, 12, 16, 31, 33} {
		_, err := c.Decode(make([]byte, n))
		require.ErrorIs(t, err, ErrMalformedPayload, "len %d", n)
		var me *MalformedPayloadError
		require.ErrorAs(t, err, &me)
		require.Equal(t, n, me.Len)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c, err := NewCodec(nil)
	require.NoError(t, err)

	want := Measurement{Temperature: -12.5, Pressure: 98000, Humidity: 87, BatteryVoltage: 2.95}
	got, err := c.Decode(Encode(want))
	require.NoError(t, err)
	require.InDelta(t, want.Temperature, got.Temperature, 0.001)
	require.Equal(t, want.Pressure, got.Pressure)
	require.Equal(t, want.Humidity, got.Humidity)
	require.InDelta(t, want.BatteryVoltage, got.BatteryVoltage, 0.001)
}

func TestNewCodecInvalidKey(t *testing.T) {
	_, err := NewCodec([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLoadKeyFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "payload_aes_key.hex")
	err := os.WriteFile(path, []byte(hex.EncodeToString(testKey)+"\n"), 0o600)
	require.NoError(t, err)

	key, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, testKey, key)

	short := filepath.Join(dir, "short.hex")
	require.NoError(t, os.WriteFile(short, []byte("0102\n"), 0o600))
	_, err = LoadKeyFile(short)
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.hex")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = LoadKeyFile(empty)
	require.Error(t, err)

	_, err = LoadKeyFile(filepath.Join(dir, "missing.hex"))
	require.Error(t, err)
}

func TestMeasurementString(t *testing.T) {
	m := Measurement{Temperature: 25, Pressure: 101325, Humidity: 55, BatteryVoltage: 3.3}
	require.Equal(t, "T=25.00°C, P=1013.25hPa, RH=55%, BAT=3.300V", m.String())
}
