package uplink

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	log "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage"
)

var testKey = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func newNormalizer(t *testing.T) *Normalizer {
	codec, err := payload.NewCodec(testKey)
	require.NoError(t, err)
	return NewNormalizer(codec, log.NewNopLogger())
}

func readFixture(t *testing.T, name string) []byte {
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func TestNormalizeHelium(t *testing.T) {
	n := newNormalizer(t)

	ev, err := n.Normalize(readFixture(t, "helium_uplink.json"))
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV1, ev.Schema)
	require.Nil(t, ev.Join)
	r := ev.Report
	require.NotNil(t, r)

	require.NotNil(t, r.AppEUI)
	require.Equal(t, "6081F9D16837130E", *r.AppEUI)
	require.Equal(t, "6081F9A6E2AE3C5B", r.DevEUI)
	require.Equal(t, "1D000048", r.DevAddr)
	require.Equal(t, "meteo-balcony", r.DeviceName)
	require.Nil(t, r.ProfileName)
	require.NotNil(t, r.DCBalance)
	require.Equal(t, int64(3684), *r.DCBalance)
	require.Equal(t, uint32(42), r.FrameCounter)
	require.Equal(t, uint16(1), r.Port)
	require.Equal(t, int64(1678451696789), r.ReportedAt)

	require.InDelta(t, 25.0, r.Measurement.Temperature, 0.0001)
	require.Equal(t, 101325.0, r.Measurement.Pressure)
	require.Equal(t, 55.0, r.Measurement.Humidity)
	require.InDelta(t, 3.3, r.Measurement.BatteryVoltage, 0.0001)

	require.Len(t, r.RadioContexts, 2)
	require.Equal(t, "brave-peach-crane", r.RadioContexts[0].Gateway)
	require.Equal(t, &storage.Coordinates{Lat: 48.8583, Lng: 2.2945}, r.RadioContexts[0].Coordinates)
	require.Equal(t, 867.5, r.RadioContexts[0].Frequency)
	require.Equal(t, -112.0, r.RadioContexts[0].RSSI)
	require.Equal(t, 2.5, r.RadioContexts[0].SNR)
	require.Equal(t, "tiny-ocean-lynx", r.RadioContexts[1].Gateway)
	require.Equal(t, storage.SNRAbsent, r.RadioContexts[1].SNR)

	// duplicated label collapsed, order kept
	require.Equal(t, []string{"garden", "meteo"}, r.Labels)
}

func TestNormalizeHeliumJoin(t *testing.T) {
	n := newNormalizer(t)

	ev, err := n.Normalize(readFixture(t, "helium_join.json"))
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV1, ev.Schema)
	require.Nil(t, ev.Report)
	require.Equal(t, &JoinEvent{
		DevEUI:     "6081F9A6E2AE3C5B",
		DeviceName: "meteo-balcony",
		ReportedAt: 1678451000000,
	}, ev.Join)
}

func TestNormalizeChirpStack(t *testing.T) {
	n := newNormalizer(t)

	ev, err := n.Normalize(readFixture(t, "chirpstack_uplink.json"))
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV2, ev.Schema)
	r := ev.Report
	require.NotNil(t, r)

	require.Nil(t, r.AppEUI)
	require.Equal(t, "0101010101010101", r.DevEUI)
	require.Equal(t, "00189440", r.DevAddr)
	require.Equal(t, "meteo-roof", r.DeviceName)
	require.NotNil(t, r.ProfileName)
	require.Equal(t, "bme280-eu868", *r.ProfileName)
	require.NotNil(t, r.DCBalance)
	require.Equal(t, storage.DCBalanceAbsent, *r.DCBalance)
	require.Equal(t, uint32(7), r.FrameCounter)
	require.Equal(t, uint16(2), r.Port)
	require.Equal(t, int64(1678451696789), r.ReportedAt)
	require.Nil(t, r.Labels)

	require.InDelta(t, 20.0, r.Measurement.Temperature, 0.0001)
	require.Equal(t, 99800.0, r.Measurement.Pressure)
	require.Equal(t, 40.0, r.Measurement.Humidity)
	require.InDelta(t, 3.1, r.Measurement.BatteryVoltage, 0.0001)

	require.Len(t, r.RadioContexts, 2)
	rc := r.RadioContexts[0]
	require.Equal(t, "rooftop-gw", rc.Gateway)
	require.Equal(t, 868100000.0, rc.Frequency)
	require.Equal(t, -36.0, rc.RSSI)
	require.Equal(t, 10.5, rc.SNR)
	require.Equal(t, &storage.Coordinates{Lat: 45.5017, Lng: -73.5673}, rc.Coordinates)

	// snr missing, numeric coordinates
	rc = r.RadioContexts[1]
	require.Equal(t, "basement-gw", rc.Gateway)
	require.Equal(t, 868100000.0, rc.Frequency)
	require.Equal(t, -1000000.0, rc.SNR)
	require.Equal(t, &storage.Coordinates{Lat: 45.4972, Lng: -73.5790}, rc.Coordinates)
}

func TestNormalizeChirpStackEncrypted(t *testing.T) {
	n := newNormalizer(t)
	codec, err := payload.NewCodec(testKey)
	require.NoError(t, err)

	env, err := codec.Encrypt(payload.EncodeRaw(298150, 101325, 55, 3300), []byte("fedcba9876543210"))
	require.NoError(t, err)

	body := `{
		"time": "2023-03-10T12:34:56Z",
		"deviceInfo": {"devEui": "0101010101010101", "deviceName": "meteo-roof"},
		"devAddr": "00189440",
		"fCnt": 8,
		"data": "` + base64.StdEncoding.EncodeToString(env) + `"
	}`
	ev, err := n.Normalize([]byte(body))
	require.NoError(t, err)
	r := ev.Report
	require.InDelta(t, 25.0, r.Measurement.Temperature, 0.0001)
	require.Equal(t, uint16(0), r.Port)
	require.Nil(t, r.ProfileName)
	require.Empty(t, r.RadioContexts)
	require.Equal(t, int64(1678451696000), r.ReportedAt)
}

func TestNormalizeMalformedPayload(t *testing.T) {
	n := newNormalizer(t)

	body := `{"type": "uplink", "dev_eui": "6081F9A6E2AE3C5B", "devaddr": "1D000048", "name": "meteo-balcony",
		"fcnt": 1, "port": 1, "reported_at": 1678451696789, "payload": "AAAAAAAAAAAAAA=="}`
	_, err := n.Normalize([]byte(body))
	require.ErrorIs(t, err, payload.ErrMalformedPayload)
}

func TestNormalizeErrors(t *testing.T) {
	n := newNormalizer(t)

	tests := []struct {
		name  string
		body  string
		kind  ErrorKind
		field string
	}{
		{"not json", `{"type":`, InvalidJSON, ""},
		{"json array", `[1, 2]`, InvalidJSON, ""},
		{"unknown schema", `{"foo": "bar"}`, UnknownSchema, ""},
		{"v1 no payload", `{"type": "uplink", "dev_eui": "01"}`, MissingField, "payload"},
		{"v1 no dev_eui", `{"type": "uplink", "payload": "powEAM2LAQA35Aw="}`, MissingField, "dev_eui"},
		{
			"v1 no reported_at",
			`{"type": "uplink", "payload": "powEAM2LAQA35Aw=", "dev_eui": "01", "devaddr": "02", "name": "n", "fcnt": 1, "port": 1}`,
			MissingField, "reported_at",
		},
		{
			"v1 hotspot without name",
			`{"type": "uplink", "payload": "powEAM2LAQA35Aw=", "dev_eui": "01", "devaddr": "02", "name": "n", "fcnt": 1, "port": 1,
			"reported_at": 1, "hotspots": [{"frequency": 868.1, "rssi": -100}]}`,
			MissingField, "hotspots[0].name",
		},
		{
			"v1 label without name",
			`{"type": "uplink", "payload": "powEAM2LAQA35Aw=", "dev_eui": "01", "devaddr": "02", "name": "n", "fcnt": 1, "port": 1,
			"reported_at": 1, "metadata": {"labels": [{"id": "x"}]}}`,
			MissingField, "metadata.labels[0].name",
		},
		{"v1 bad base64", `{"type": "uplink", "payload": "%%%", "dev_eui": "01", "devaddr": "02", "name": "n", "fcnt": 1, "port": 1, "reported_at": 1}`, InvalidField, "payload"},
		{"v1 fcnt type", `{"type": "uplink", "payload": "powEAM2LAQA35Aw=", "fcnt": "one"}`, InvalidField, "fcnt"},
		{"v2 no data", `{"fCnt": 1}`, MissingField, "data"},
		{"v2 no deviceInfo", `{"fCnt": 1, "data": "HnkEANiFAQAoHAw="}`, MissingField, "deviceInfo"},
		{
			"v2 no time",
			`{"fCnt": 1, "data": "HnkEANiFAQAoHAw=", "devAddr": "01", "deviceInfo": {"devEui": "01", "deviceName": "n"}}`,
			MissingField, "time",
		},
		{
			"v2 bad time",
			`{"time": "yesterday", "fCnt": 1, "data": "HnkEANiFAQAoHAw=", "devAddr": "01", "deviceInfo": {"devEui": "01", "deviceName": "n"}}`,
			InvalidField, "time",
		},
		{
			"v2 rx without frequency",
			`{"time": "2023-03-10T12:34:56Z", "fCnt": 1, "data": "HnkEANiFAQAoHAw=", "devAddr": "01",
			"deviceInfo": {"devEui": "01", "deviceName": "n"}, "rxInfo": [{"rssi": -50, "metadata": {"gateway_name": "gw"}}]}`,
			MissingField, "txInfo.frequency",
		},
		{
			"v2 rx without gateway name",
			`{"time": "2023-03-10T12:34:56Z", "fCnt": 1, "data": "HnkEANiFAQAoHAw=", "devAddr": "01",
			"deviceInfo": {"devEui": "01", "deviceName": "n"}, "txInfo": {"frequency": 868100000}, "rxInfo": [{"rssi": -50}]}`,
			MissingField, "rxInfo[0].metadata.gateway_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize([]byte(tt.body))
			require.Nil(t, ev)
			var ne *NormalizeError
			require.ErrorAs(t, err, &ne)
			require.Equal(t, tt.kind, ne.Kind, err.Error())
			require.Equal(t, tt.field, ne.Field)
		})
	}
}

func TestDetectSchema(t *testing.T) {
	s, err := DetectSchema(readFixture(t, "helium_uplink.json"))
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV1, s)

	s, err = DetectSchema(readFixture(t, "chirpstack_uplink.json"))
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV2, s)

	_, err = DetectSchema([]byte(`{}`))
	require.Error(t, err)
}
