// Package badger stores reports in an embedded badger database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/akhenakh/lorameteo/metrics"
	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage"
)

// sequences lease ids by batches of seqBandwidth
const seqBandwidth = 100

var _ storage.Store = (*Store)(nil)

// Store is a report store over badger, safe for concurrent use.
type Store struct {
	*badger.DB
	logger    log.Logger
	cache     *storage.IdentityCache
	seqs      map[storage.Category]*badger.Sequence
	reportSeq *badger.Sequence
}

// Option configures a Store.
type Option func(*Store)

// WithIdentityCache puts c in front of the identity keys.
func WithIdentityCache(c *storage.IdentityCache) Option {
	return func(s *Store) {
		s.cache = c
	}
}

// Open opens or creates the badger database at path.
func Open(path string, logger log.Logger, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(path)
	bopts.Logger = nil
	bopts.TableLoadingMode = options.FileIO

	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}

	s, err := New(bdb, logger, opts...)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an opened badger database.
func New(bdb *badger.DB, logger log.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		DB:     bdb,
		logger: log.With(logger, "component", "badgerstore"),
		seqs:   make(map[storage.Category]*badger.Sequence, len(storage.Categories)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, c := range storage.Categories {
		seq, err := bdb.GetSequence(sequenceKey(c), seqBandwidth)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("can't get %s sequence: %w", c, err)
		}
		s.seqs[c] = seq
	}

	seq, err := bdb.GetSequence(reportSequenceKey, seqBandwidth)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("can't get report sequence: %w", err)
	}
	s.reportSeq = seq

	return s, nil
}

func (s *Store) release() {
	for c, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			level.Warn(s.logger).Log("msg", "can't release sequence", "category", c, "error", err)
		}
	}
	if s.reportSeq != nil {
		if err := s.reportSeq.Release(); err != nil {
			level.Warn(s.logger).Log("msg", "can't release report sequence", "error", err)
		}
	}
}

// Close releases the sequences, unused leased ids are lost.
func (s *Store) Close() error {
	s.release()
	return s.DB.Close()
}

func (s *Store) wrap(op string, err error) error {
	kind := storage.KindIOFault
	if errors.Is(err, badger.ErrConflict) {
		kind = storage.KindConstraintViolation
	}
	return storage.NewStoreError(op, kind, err)
}

// identityRecord is stored under the reverse key.
type identityRecord struct {
	Key         string               `json:"key"`
	Coordinates *storage.Coordinates `json:"coordinates,omitempty"`
}

func (s *Store) lookup(c storage.Category, key string) (storage.Identity, error) {
	var id storage.Identity
	err := s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(IdentityKey(c, key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			id = storage.Identity(btoi(v))
			return nil
		})
	})
	return id, err
}

// Intern returns the identity of key in category c, creating it on first sight.
// Creation runs in its own transaction, a conflicting concurrent creation is
// resolved by reading the winner's identity.
func (s *Store) Intern(ctx context.Context, c storage.Category, key string, coords *storage.Coordinates) (storage.Identity, error) {
	if !c.Valid() {
		return 0, storage.NewStoreError("intern", storage.KindConstraintViolation,
			fmt.Errorf("%w %d", storage.ErrInvalidCategory, int(c)))
	}
	if id, ok := s.cache.Get(c, key); ok {
		return id, nil
	}
	op := "intern " + c.String()
	if err := ctx.Err(); err != nil {
		return 0, s.wrap(op, err)
	}

	id, err := s.lookup(c, key)
	switch {
	case err == nil:
		s.cache.Add(c, key, id)
		return id, nil
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, s.wrap(op, err)
	}

	n, err := s.seqs[c].Next()
	if err != nil {
		return 0, s.wrap(op, err)
	}
	id = storage.Identity(n + 1)

	rec, err := json.Marshal(identityRecord{Key: key, Coordinates: coords})
	if err != nil {
		return 0, err
	}

	created := true
	err = s.Update(func(txn *badger.Txn) error {
		ik := IdentityKey(c, key)
		item, err := txn.Get(ik)
		switch {
		case err == nil:
			created = false
			return item.Value(func(v []byte) error {
				id = storage.Identity(btoi(v))
				return nil
			})
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.Set(ik, itob(int64(id))); err != nil {
			return err
		}
		return txn.Set(NameKey(c, id), rec)
	})
	if errors.Is(err, badger.ErrConflict) {
		// lost the race
		created = false
		id, err = s.lookup(c, key)
	}
	if err != nil {
		return 0, s.wrap(op, err)
	}

	s.cache.Add(c, key, id)
	if created {
		metrics.IdentityCreatedCounter.WithLabelValues(c.String()).Inc()
		level.Debug(s.logger).Log("msg", "identity created", "category", c, "key", key, "id", id)
	}
	return id, nil
}

// reportDoc is the stored form of a report, identity bearing fields are ids.
type reportDoc struct {
	Schema       storage.Schema     `json:"schema"`
	AppEUI       *storage.Identity  `json:"app_eui,omitempty"`
	DevEUI       storage.Identity   `json:"dev_eui"`
	DevAddr      storage.Identity   `json:"dev_addr"`
	Name         storage.Identity   `json:"name"`
	ProfileName  *storage.Identity  `json:"profile_name,omitempty"`
	DCBalance    *int64             `json:"dc_balance,omitempty"`
	FrameCounter uint32             `json:"fcnt"`
	Port         uint16             `json:"port"`
	BatteryV     float64            `json:"battery_voltage"`
	ReportedAt   int64              `json:"reported_at_ms"`
	Temperature  float64            `json:"temperature"`
	Pressure     float64            `json:"pressure"`
	Humidity     float64            `json:"humidity"`
	Connections  []connectionDoc    `json:"hotspot_connections,omitempty"`
	Labels       []storage.Identity `json:"labels,omitempty"`
}

type connectionDoc struct {
	Hotspot   storage.Identity `json:"name_id"`
	Frequency float64          `json:"frequency"`
	RSSI      float64          `json:"rssi"`
	SNR       float64          `json:"snr"`
}

func (s *Store) internPtr(ctx context.Context, c storage.Category, key *string) (*storage.Identity, error) {
	if key == nil {
		return nil, nil
	}
	id, err := s.Intern(ctx, c, *key, nil)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Store interns the identities of r then writes the report document.
// The document is written in a single transaction, identities created
// before a failure are kept.
func (s *Store) Store(ctx context.Context, r *storage.Report) (storage.ReportID, error) {
	if r == nil {
		return 0, storage.NewStoreError("store", storage.KindConstraintViolation, storage.ErrNilReport)
	}

	doc := reportDoc{
		Schema:       r.Schema,
		DCBalance:    r.DCBalance,
		FrameCounter: r.FrameCounter,
		Port:         r.Port,
		BatteryV:     r.Measurement.BatteryVoltage,
		ReportedAt:   r.ReportedAt,
		Temperature:  r.Measurement.Temperature,
		Pressure:     r.Measurement.Pressure,
		Humidity:     r.Measurement.Humidity,
	}

	var err error
	if doc.DevEUI, err = s.Intern(ctx, storage.CategoryDevEUI, r.DevEUI, nil); err != nil {
		return 0, err
	}
	if doc.DevAddr, err = s.Intern(ctx, storage.CategoryDevAddr, r.DevAddr, nil); err != nil {
		return 0, err
	}
	if doc.Name, err = s.Intern(ctx, storage.CategoryDeviceName, r.DeviceName, nil); err != nil {
		return 0, err
	}
	if doc.AppEUI, err = s.internPtr(ctx, storage.CategoryAppEUI, r.AppEUI); err != nil {
		return 0, err
	}
	if doc.ProfileName, err = s.internPtr(ctx, storage.CategoryProfileName, r.ProfileName); err != nil {
		return 0, err
	}

	for _, rc := range r.RadioContexts {
		hid, err := s.Intern(ctx, storage.CategoryHotspot, rc.Gateway, rc.Coordinates)
		if err != nil {
			return 0, err
		}
		doc.Connections = append(doc.Connections, connectionDoc{
			Hotspot:   hid,
			Frequency: rc.Frequency,
			RSSI:      rc.RSSI,
			SNR:       rc.SNR,
		})
	}

	for _, l := range r.Labels {
		lid, err := s.Intern(ctx, storage.CategoryLabel, l, nil)
		if err != nil {
			return 0, err
		}
		doc.Labels = append(doc.Labels, lid)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, s.wrap("insert report", err)
	}

	n, err := s.reportSeq.Next()
	if err != nil {
		return 0, s.wrap("insert report", err)
	}
	id := storage.ReportID(n + 1)

	err = s.Update(func(txn *badger.Txn) error {
		return txn.Set(ReportKey(id), b)
	})
	if err != nil {
		return 0, s.wrap("insert report", err)
	}
	return id, nil
}

func resolve(txn *badger.Txn, c storage.Category, id storage.Identity) (*identityRecord, error) {
	item, err := txn.Get(NameKey(c, id))
	if err != nil {
		return nil, fmt.Errorf("resolving %s %d: %w", c, id, err)
	}
	rec := &identityRecord{}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, rec)
	})
	return rec, err
}

func resolveKey(txn *badger.Txn, c storage.Category, id storage.Identity) (string, error) {
	rec, err := resolve(txn, c, id)
	if err != nil {
		return "", err
	}
	return rec.Key, nil
}

func resolvePtr(txn *badger.Txn, c storage.Category, id *storage.Identity) (*string, error) {
	if id == nil {
		return nil, nil
	}
	k, err := resolveKey(txn, c, *id)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Get reads back a stored report with its identities resolved to keys.
func (s *Store) Get(ctx context.Context, id storage.ReportID) (*storage.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.wrap("get report", err)
	}

	var r *storage.Report
	err := s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ReportKey(id))
		if err != nil {
			return err
		}
		var doc reportDoc
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &doc)
		}); err != nil {
			return err
		}

		r = &storage.Report{
			Schema:       doc.Schema,
			DCBalance:    doc.DCBalance,
			FrameCounter: doc.FrameCounter,
			Port:         doc.Port,
			ReportedAt:   doc.ReportedAt,
			Measurement: payload.Measurement{
				Temperature:    doc.Temperature,
				Pressure:       doc.Pressure,
				Humidity:       doc.Humidity,
				BatteryVoltage: doc.BatteryV,
			},
		}
		if r.DevEUI, err = resolveKey(txn, storage.CategoryDevEUI, doc.DevEUI); err != nil {
			return err
		}
		if r.DevAddr, err = resolveKey(txn, storage.CategoryDevAddr, doc.DevAddr); err != nil {
			return err
		}
		if r.DeviceName, err = resolveKey(txn, storage.CategoryDeviceName, doc.Name); err != nil {
			return err
		}
		if r.AppEUI, err = resolvePtr(txn, storage.CategoryAppEUI, doc.AppEUI); err != nil {
			return err
		}
		if r.ProfileName, err = resolvePtr(txn, storage.CategoryProfileName, doc.ProfileName); err != nil {
			return err
		}

		for _, c := range doc.Connections {
			rec, err := resolve(txn, storage.CategoryHotspot, c.Hotspot)
			if err != nil {
				return err
			}
			r.RadioContexts = append(r.RadioContexts, storage.RadioContext{
				Gateway:     rec.Key,
				Coordinates: rec.Coordinates,
				Frequency:   c.Frequency,
				RSSI:        c.RSSI,
				SNR:         c.SNR,
			})
		}

		for _, lid := range doc.Labels {
			l, err := resolveKey(txn, storage.CategoryLabel, lid)
			if err != nil {
				return err
			}
			r.Labels = append(r.Labels, l)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) && r == nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get report", err)
	}
	return r, nil
}
