package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/namsral/flag"

	"github.com/akhenakh/lorameteo/payload"
)

const heliumBody = `{
	"app_eui": "6081F9D16837130E",
	"dc": {"balance": 3684, "nonce": 2},
	"dev_eui": "6081F9A6E2AE3C5B",
	"devaddr": "1D000048",
	"fcnt": %d,
	"hotspots": [{
		"frequency": 867.5,
		"lat": 48.8583,
		"long": 2.2945,
		"name": "brave-peach-crane",
		"reported_at": %d,
		"rssi": -112,
		"snr": 2.5
	}],
	"metadata": {"labels": [{"name": "meteo"}]},
	"name": "meteo-balcony",
	"payload": "%s",
	"port": 1,
	"reported_at": %d,
	"type": "uplink"
}`

const chirpstackBody = `{
	"time": "%s",
	"deviceInfo": {
		"deviceProfileName": "bme280-eu868",
		"deviceName": "meteo-roof",
		"devEui": "0101010101010101"
	},
	"devAddr": "00189440",
	"fCnt": %d,
	"fPort": 2,
	"data": "%s",
	"rxInfo": [{
		"rssi": -36,
		"snr": 10.5,
		"metadata": {"gateway_name": "rooftop-gw", "gateway_lat": "45.5017", "gateway_long": "-73.5673"}
	}],
	"txInfo": {"frequency": 868100000}
}`

var (
	url    = flag.String("url", "http://localhost:8082/", "webhook URL")
	schema = flag.String("schema", "v1", "body schema v1 (Helium) or v2 (ChirpStack)")
	fcnt   = flag.Int("fcnt", 1, "frame counter")
)

func main() {
	flag.Parse()

	data := base64.StdEncoding.EncodeToString(payload.Encode(payload.Measurement{
		Temperature:    21.5,
		Pressure:       100900,
		Humidity:       48,
		BatteryVoltage: 3.25,
	}))

	now := time.Now().UTC()
	target := *url
	var body string
	switch *schema {
	case "v1":
		ms := now.UnixMilli()
		body = fmt.Sprintf(heliumBody, *fcnt, ms, data, ms)
	case "v2":
		body = fmt.Sprintf(chirpstackBody, now.Format(time.RFC3339Nano), *fcnt, data)
		target += "?event=up"
	default:
		log.Fatalf("unknown schema %q", *schema)
	}

	resp, err := http.Post(target, "application/json", bytes.NewBufferString(body))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("sent", *schema, "status", resp.Status, "body", string(b))
}
