package storage

import (
	"context"
	"errors"

	"github.com/akhenakh/lorameteo/payload"
)

// SNRAbsent is stored when a gateway did not report a SNR.
const SNRAbsent = -1000000.0

// DCBalanceAbsent is stored for ChirpStack reports carrying no data credit balance.
const DCBalanceAbsent int64 = -1

var (
	// ErrNotFound is returned when a requested report does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCategory is wrapped in the StoreError returned for an unknown category.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrNilReport is wrapped in the StoreError returned when storing a nil report.
	ErrNilReport = errors.New("nil report")
)

// Schema is the upstream JSON shape a report was decoded from.
type Schema int

const (
	SchemaUnknown Schema = iota
	// SchemaV1 is the Helium Console integration format.
	SchemaV1
	// SchemaV2 is the ChirpStack integration format.
	SchemaV2
)

func (s Schema) String() string {
	switch s {
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Identity is a stable handle for a (Category, key) pair.
type Identity int64

// ReportID identifies a stored report.
type ReportID int64

// Coordinates are the optional attributes of a hotspot identity.
type Coordinates struct {
	Lat, Lng float64
}

// RadioContext is one gateway reception of a report.
type RadioContext struct {
	Gateway     string
	Coordinates *Coordinates
	Frequency   float64
	RSSI        float64
	SNR         float64
}

// Report is the canonical ingested uplink.
// Identity bearing fields hold keys, they are interned when the report is stored.
type Report struct {
	Schema       Schema
	AppEUI       *string
	DevEUI       string
	DevAddr      string
	DeviceName   string
	ProfileName  *string
	DCBalance    *int64
	FrameCounter uint32
	Port         uint16
	// ReportedAt in ms since epoch
	ReportedAt    int64
	Measurement   payload.Measurement
	RadioContexts []RadioContext
	Labels        []string
}

// Interner resolves keys to identities, creating them on first sight.
// Coordinates are only used on creation.
type Interner interface {
	Intern(ctx context.Context, c Category, key string, coords *Coordinates) (Identity, error)
}

// Store persists reports.
type Store interface {
	Interner
	Store(ctx context.Context, r *Report) (ReportID, error)
	Get(ctx context.Context, id ReportID) (*Report, error)
	Close() error
}
