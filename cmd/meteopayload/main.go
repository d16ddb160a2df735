package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/namsral/flag"

	"github.com/akhenakh/lorameteo/payload"
)

var (
	temperature = flag.Float64("temperature", 25, "temperature in °C")
	pressure    = flag.Float64("pressure", 101325, "pressure in Pa")
	humidity    = flag.Float64("humidity", 55, "relative humidity in %")
	battery     = flag.Float64("battery", 3.3, "battery voltage in V")
	keyFile     = flag.String("keyFile", "", "hex encoded AES key file, encrypts the payload when set")
)

func main() {
	flag.Parse()

	m := payload.Measurement{
		Temperature:    *temperature,
		Pressure:       *pressure,
		Humidity:       *humidity,
		BatteryVoltage: *battery,
	}
	b := payload.Encode(m)

	if *keyFile != "" {
		key, err := payload.LoadKeyFile(*keyFile)
		if err != nil {
			log.Fatal(err)
		}
		codec, err := payload.NewCodec(key)
		if err != nil {
			log.Fatal(err)
		}
		iv := make([]byte, 16)
		if _, err := rand.Read(iv); err != nil {
			log.Fatal(err)
		}
		b, err = codec.Encrypt(b, iv)
		if err != nil {
			log.Fatal(err)
		}
	}

	fmt.Println("Measurement", m)
	fmt.Println("Hex", hex.EncodeToString(b))
	fmt.Println("Base64", base64.StdEncoding.EncodeToString(b))
}
