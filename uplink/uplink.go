// Package uplink maps the upstream webhook JSON bodies to canonical reports.
package uplink

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage"
)

// fields only present in ChirpStack deliveries
var v2Fields = []string{"deviceInfo", "rxInfo", "txInfo", "devAddr", "fCnt", "fPort"}

// fields only present in Helium Console deliveries
var v1Fields = []string{"type", "payload", "hotspots", "app_eui", "dev_eui"}

// JoinEvent is a Helium join notification, it carries no payload.
type JoinEvent struct {
	DevEUI     string
	DeviceName string
	ReportedAt int64
}

// Event is the result of a normalization, exactly one of Join or Report is set.
type Event struct {
	Schema storage.Schema
	Join   *JoinEvent
	Report *storage.Report
}

// Normalizer detects the schema of a body and converts it to a report.
// It is safe for concurrent use.
type Normalizer struct {
	codec  *payload.Codec
	logger log.Logger
}

func NewNormalizer(codec *payload.Codec, logger log.Logger) *Normalizer {
	return &Normalizer{
		codec:  codec,
		logger: log.With(logger, "component", "normalizer"),
	}
}

// DetectSchema returns the schema of body judging by its top level fields.
func DetectSchema(body []byte) (storage.Schema, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return storage.SchemaUnknown, &NormalizeError{Kind: InvalidJSON, Err: err}
	}
	for _, f := range v2Fields {
		if _, ok := top[f]; ok {
			return storage.SchemaV2, nil
		}
	}
	for _, f := range v1Fields {
		if _, ok := top[f]; ok {
			return storage.SchemaV1, nil
		}
	}
	return storage.SchemaUnknown, &NormalizeError{Kind: UnknownSchema}
}

// Normalize converts body to an Event.
func (n *Normalizer) Normalize(body []byte) (*Event, error) {
	schema, err := DetectSchema(body)
	if err != nil {
		return nil, err
	}

	var ev *Event
	switch schema {
	case storage.SchemaV1:
		ev, err = n.normalizeV1(body)
	case storage.SchemaV2:
		ev, err = n.normalizeV2(body)
	}
	if err != nil {
		return nil, err
	}

	if ev.Report != nil {
		level.Info(n.logger).Log(
			"msg", ev.Report.Measurement.String(),
			"schema", schema,
			"dev_eui", ev.Report.DevEUI,
			"device_name", ev.Report.DeviceName,
		)
	}
	return ev, nil
}

func (n *Normalizer) decodePayload(s storage.Schema, field, b64 string) (payload.Measurement, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return payload.Measurement{}, invalid(s, field, err)
	}
	m, err := n.codec.Decode(raw)
	if err != nil {
		return m, fmt.Errorf("%s %s: %w", s, field, err)
	}
	return m, nil
}

// unmarshal decodes body into v, type mismatches are reported as invalid fields.
func unmarshal(s storage.Schema, body []byte, v interface{}) error {
	err := json.Unmarshal(body, v)
	if err == nil {
		return nil
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return invalid(s, te.Field, err)
	}
	return &NormalizeError{Kind: InvalidJSON, Schema: s, Err: err}
}

// uniqueLabels drops duplicated labels keeping the first seen order.
func uniqueLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(labels))
	res := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		res = append(res, l)
	}
	return res
}
