package uplink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/akhenakh/lorameteo/storage"
)

// ChirpStackUplink is a ChirpStack v4 uplink event delivered by the HTTP integration.
type ChirpStackUplink struct {
	DeduplicationID string  `json:"deduplicationId"`
	Time            *string `json:"time"`
	DeviceInfo      *struct {
		DevEUI            *string           `json:"devEui"`
		DeviceName        *string           `json:"deviceName"`
		DeviceProfileName *string           `json:"deviceProfileName"`
		ApplicationName   string            `json:"applicationName"`
		Tags              map[string]string `json:"tags"`
	} `json:"deviceInfo"`
	DevAddr *string `json:"devAddr"`
	FCnt    *uint32 `json:"fCnt"`
	FPort   *uint16 `json:"fPort"`
	Data    *string `json:"data"`
	DC      *struct {
		Balance *int64 `json:"balance"`
	} `json:"dc"`
	RxInfo []ChirpStackRxInfo `json:"rxInfo"`
	TxInfo *struct {
		Frequency *float64 `json:"frequency"`
	} `json:"txInfo"`
}

// ChirpStackRxInfo is the reception of an uplink by one gateway.
type ChirpStackRxInfo struct {
	GatewayID string   `json:"gatewayId"`
	RSSI      *float64 `json:"rssi"`
	SNR       *float64 `json:"snr"`
	Metadata  struct {
		GatewayName *string    `json:"gateway_name"`
		GatewayLat  *flexFloat `json:"gateway_lat"`
		GatewayLong *flexFloat `json:"gateway_long"`
	} `json:"metadata"`
}

// flexFloat accepts a JSON number or a string holding a number,
// ChirpStack metadata values are strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (n *Normalizer) normalizeV2(body []byte) (*Event, error) {
	const s = storage.SchemaV2

	var u ChirpStackUplink
	if err := unmarshal(s, body, &u); err != nil {
		return nil, err
	}

	switch {
	case u.Data == nil:
		return nil, missing(s, "data")
	case u.DeviceInfo == nil:
		return nil, missing(s, "deviceInfo")
	case u.DeviceInfo.DevEUI == nil:
		return nil, missing(s, "deviceInfo.devEui")
	case u.DeviceInfo.DeviceName == nil:
		return nil, missing(s, "deviceInfo.deviceName")
	case u.DevAddr == nil:
		return nil, missing(s, "devAddr")
	case u.FCnt == nil:
		return nil, missing(s, "fCnt")
	case u.Time == nil:
		return nil, missing(s, "time")
	}

	ts, err := time.Parse(time.RFC3339Nano, *u.Time)
	if err != nil {
		return nil, invalid(s, "time", err)
	}

	m, err := n.decodePayload(s, "data", *u.Data)
	if err != nil {
		return nil, err
	}

	r := &storage.Report{
		Schema:       s,
		DevEUI:       *u.DeviceInfo.DevEUI,
		DevAddr:      *u.DevAddr,
		DeviceName:   *u.DeviceInfo.DeviceName,
		ProfileName:  u.DeviceInfo.DeviceProfileName,
		FrameCounter: *u.FCnt,
		ReportedAt:   ts.UnixMilli(),
		Measurement:  m,
	}
	if u.FPort != nil {
		r.Port = *u.FPort
	}

	balance := storage.DCBalanceAbsent
	if u.DC != nil && u.DC.Balance != nil {
		balance = *u.DC.Balance
	}
	r.DCBalance = &balance

	if len(u.RxInfo) > 0 && (u.TxInfo == nil || u.TxInfo.Frequency == nil) {
		return nil, missing(s, "txInfo.frequency")
	}

	for i, rx := range u.RxInfo {
		if rx.Metadata.GatewayName == nil {
			return nil, missing(s, fmt.Sprintf("rxInfo[%d].metadata.gateway_name", i))
		}
		if rx.RSSI == nil {
			return nil, missing(s, fmt.Sprintf("rxInfo[%d].rssi", i))
		}
		rc := storage.RadioContext{
			Gateway:   *rx.Metadata.GatewayName,
			Frequency: *u.TxInfo.Frequency,
			RSSI:      *rx.RSSI,
			SNR:       storage.SNRAbsent,
		}
		if rx.SNR != nil {
			rc.SNR = *rx.SNR
		}
		if rx.Metadata.GatewayLat != nil && rx.Metadata.GatewayLong != nil {
			rc.Coordinates = &storage.Coordinates{
				Lat: float64(*rx.Metadata.GatewayLat),
				Lng: float64(*rx.Metadata.GatewayLong),
			}
		}
		r.RadioContexts = append(r.RadioContexts, rc)
	}

	return &Event{Schema: s, Report: r}, nil
}
