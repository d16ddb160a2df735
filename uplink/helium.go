package uplink

import (
	"fmt"

	"github.com/akhenakh/lorameteo/storage"
)

// HeliumUplink is a Helium Console integration delivery.
// https://docs.helium.com/use-the-network/console/integrations/json-schema/
type HeliumUplink struct {
	Type       string  `json:"type"`
	AppEUI     *string `json:"app_eui"`
	DevEUI     *string `json:"dev_eui"`
	DevAddr    *string `json:"devaddr"`
	Name       *string `json:"name"`
	Payload    *string `json:"payload"`
	Fcnt       *uint32 `json:"fcnt"`
	Port       *uint16 `json:"port"`
	ReportedAt *int64  `json:"reported_at"`
	DC         *struct {
		Balance *int64 `json:"balance"`
		Nonce   int64  `json:"nonce"`
	} `json:"dc"`
	Hotspots []HeliumHotspot `json:"hotspots"`
	Metadata *struct {
		Labels []struct {
			ID   string  `json:"id"`
			Name *string `json:"name"`
		} `json:"labels"`
	} `json:"metadata"`
}

// HeliumHotspot is the reception of an uplink by one hotspot.
type HeliumHotspot struct {
	ID        string   `json:"id"`
	Name      *string  `json:"name"`
	Lat       *float64 `json:"lat"`
	Long      *float64 `json:"long"`
	Frequency *float64 `json:"frequency"`
	RSSI      *float64 `json:"rssi"`
	SNR       *float64 `json:"snr"`
	Spreading string   `json:"spreading"`
	Status    string   `json:"status"`
}

const heliumJoinType = "join"

func (n *Normalizer) normalizeV1(body []byte) (*Event, error) {
	const s = storage.SchemaV1

	var u HeliumUplink
	if err := unmarshal(s, body, &u); err != nil {
		return nil, err
	}

	if u.Type == heliumJoinType {
		j := &JoinEvent{}
		if u.DevEUI != nil {
			j.DevEUI = *u.DevEUI
		}
		if u.Name != nil {
			j.DeviceName = *u.Name
		}
		if u.ReportedAt != nil {
			j.ReportedAt = *u.ReportedAt
		}
		return &Event{Schema: s, Join: j}, nil
	}

	switch {
	case u.Payload == nil:
		return nil, missing(s, "payload")
	case u.DevEUI == nil:
		return nil, missing(s, "dev_eui")
	case u.DevAddr == nil:
		return nil, missing(s, "devaddr")
	case u.Name == nil:
		return nil, missing(s, "name")
	case u.Fcnt == nil:
		return nil, missing(s, "fcnt")
	case u.Port == nil:
		return nil, missing(s, "port")
	case u.ReportedAt == nil:
		return nil, missing(s, "reported_at")
	}

	m, err := n.decodePayload(s, "payload", *u.Payload)
	if err != nil {
		return nil, err
	}

	r := &storage.Report{
		Schema:       s,
		AppEUI:       u.AppEUI,
		DevEUI:       *u.DevEUI,
		DevAddr:      *u.DevAddr,
		DeviceName:   *u.Name,
		FrameCounter: *u.Fcnt,
		Port:         *u.Port,
		ReportedAt:   *u.ReportedAt,
		Measurement:  m,
	}
	if u.DC != nil && u.DC.Balance != nil {
		b := *u.DC.Balance
		r.DCBalance = &b
	}

	for i, h := range u.Hotspots {
		rc, err := h.radioContext(i)
		if err != nil {
			return nil, err
		}
		r.RadioContexts = append(r.RadioContexts, rc)
	}

	if u.Metadata != nil {
		labels := make([]string, 0, len(u.Metadata.Labels))
		for i, l := range u.Metadata.Labels {
			if l.Name == nil {
				return nil, missing(s, fmt.Sprintf("metadata.labels[%d].name", i))
			}
			labels = append(labels, *l.Name)
		}
		r.Labels = uniqueLabels(labels)
	}

	return &Event{Schema: s, Report: r}, nil
}

func (h HeliumHotspot) radioContext(i int) (storage.RadioContext, error) {
	const s = storage.SchemaV1
	var rc storage.RadioContext

	switch {
	case h.Name == nil:
		return rc, missing(s, fmt.Sprintf("hotspots[%d].name", i))
	case h.Frequency == nil:
		return rc, missing(s, fmt.Sprintf("hotspots[%d].frequency", i))
	case h.RSSI == nil:
		return rc, missing(s, fmt.Sprintf("hotspots[%d].rssi", i))
	}

	rc.Gateway = *h.Name
	rc.Frequency = *h.Frequency
	rc.RSSI = *h.RSSI
	rc.SNR = storage.SNRAbsent
	if h.SNR != nil {
		rc.SNR = *h.SNR
	}
	if h.Lat != nil && h.Long != nil {
		rc.Coordinates = &storage.Coordinates{Lat: *h.Lat, Lng: *h.Long}
	}
	return rc, nil
}
