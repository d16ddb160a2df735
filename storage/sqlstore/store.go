// Package sqlstore persists reports into relational tables,
// PostgreSQL and SQLite are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/akhenakh/lorameteo/metrics"
	"github.com/akhenakh/lorameteo/storage"
)

var _ storage.Store = (*Store)(nil)

// Config describes the database to open.
type Config struct {
	Driver   string
	DSN      string
	MaxConns int
	MaxIdle  int
}

// Store is a relational report store, it is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect *dialect
	logger  log.Logger
	cache   *storage.IdentityCache
}

// Option configures a Store.
type Option func(*Store)

// WithIdentityCache puts c in front of the identity tables.
func WithIdentityCache(c *storage.IdentityCache) Option {
	return func(s *Store) {
		s.cache = c
	}
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg Config, logger log.Logger, opts ...Option) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, d.dataSource(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	s, err := New(ctx, db, cfg.Driver, logger, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return s, nil
}

// New wraps an opened database.
func New(ctx context.Context, db *sql.DB, driver string, logger log.Logger, opts ...Option) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.setup != nil {
		if err := d.setup(ctx, db); err != nil {
			return nil, err
		}
	}

	s := &Store{
		db:      db,
		dialect: d,
		logger:  log.With(logger, "component", "sqlstore", "driver", driver),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return s.wrap("migrate", err)
	}
	return nil
}

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrap(op string, err error) error {
	return storage.NewStoreError(op, s.dialect.kind(err), err)
}

// resolved is an identity seen during a transaction, added to the cache once committed.
type resolved struct {
	c       storage.Category
	key     string
	id      storage.Identity
	created bool
}

type txn struct {
	*sql.Tx
	s        *Store
	resolved []resolved
}

func (s *Store) begin(ctx context.Context) (*txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("begin", err)
	}
	return &txn{Tx: tx, s: s}, nil
}

func (t *txn) commit() error {
	if err := t.Commit(); err != nil {
		return t.s.wrap("commit", err)
	}
	for _, r := range t.resolved {
		t.s.cache.Add(r.c, r.key, r.id)
		if r.created {
			metrics.IdentityCreatedCounter.WithLabelValues(r.c.String()).Inc()
			level.Debug(t.s.logger).Log("msg", "identity created", "category", r.c, "key", r.key, "id", r.id)
		}
	}
	return nil
}

func (t *txn) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.QueryRowContext(ctx, t.s.dialect.rebind(query), args...)
}

// intern looks up key, inserting it when missing.
// A concurrent creator winning the race makes the insert a no op, the
// winner's row is then read back.
func (t *txn) intern(ctx context.Context, c storage.Category, key string, coords *storage.Coordinates) (storage.Identity, error) {
	if !c.Valid() {
		return 0, storage.NewStoreError("intern", storage.KindConstraintViolation,
			fmt.Errorf("%w %d", storage.ErrInvalidCategory, int(c)))
	}
	if id, ok := t.s.cache.Get(c, key); ok {
		return id, nil
	}

	table := c.Table()
	lookup := "SELECT id FROM " + table + " WHERE name = ?"

	var id int64
	err := t.queryRow(ctx, lookup, key).Scan(&id)
	switch {
	case err == nil:
		t.resolved = append(t.resolved, resolved{c: c, key: key, id: storage.Identity(id)})
		return storage.Identity(id), nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, t.s.wrap("lookup "+table, err)
	}

	var insert string
	args := []interface{}{key}
	if c == storage.CategoryHotspot {
		insert = "INSERT INTO hotspot_names (name, lat, lng) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING RETURNING id"
		var lat, lng interface{}
		if coords != nil {
			lat, lng = coords.Lat, coords.Lng
		}
		args = append(args, lat, lng)
	} else {
		insert = "INSERT INTO " + table + " (name) VALUES (?) ON CONFLICT (name) DO NOTHING RETURNING id"
	}

	err = t.queryRow(ctx, insert, args...).Scan(&id)
	switch {
	case err == nil:
		t.resolved = append(t.resolved, resolved{c: c, key: key, id: storage.Identity(id), created: true})
		return storage.Identity(id), nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, t.s.wrap("insert "+table, err)
	}

	// lost the race
	if err := t.queryRow(ctx, lookup, key).Scan(&id); err != nil {
		return 0, t.s.wrap("lookup "+table, err)
	}
	t.resolved = append(t.resolved, resolved{c: c, key: key, id: storage.Identity(id)})
	return storage.Identity(id), nil
}

// Intern returns the identity of key in category c, creating it on first sight.
func (s *Store) Intern(ctx context.Context, c storage.Category, key string, coords *storage.Coordinates) (storage.Identity, error) {
	if id, ok := s.cache.Get(c, key); ok {
		return id, nil
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	id, err := tx.intern(ctx, c, key, coords)
	if err != nil {
		return 0, err
	}
	if err := tx.commit(); err != nil {
		return 0, err
	}
	committed = true
	return id, nil
}

// identityRef is an identity bearing key of a report.
type identityRef struct {
	c      storage.Category
	key    string
	coords *storage.Coordinates
}

// reportIdentities lists the distinct keys of r sorted by category then key.
// Interning them in this order makes concurrent report transactions take the
// unique index locks in the same order, so they queue instead of deadlocking.
func reportIdentities(r *storage.Report) []identityRef {
	refs := []identityRef{
		{c: storage.CategoryDevEUI, key: r.DevEUI},
		{c: storage.CategoryDevAddr, key: r.DevAddr},
		{c: storage.CategoryDeviceName, key: r.DeviceName},
	}
	if r.AppEUI != nil {
		refs = append(refs, identityRef{c: storage.CategoryAppEUI, key: *r.AppEUI})
	}
	if r.ProfileName != nil {
		refs = append(refs, identityRef{c: storage.CategoryProfileName, key: *r.ProfileName})
	}
	for _, rc := range r.RadioContexts {
		refs = append(refs, identityRef{c: storage.CategoryHotspot, key: rc.Gateway, coords: rc.Coordinates})
	}
	for _, l := range r.Labels {
		refs = append(refs, identityRef{c: storage.CategoryLabel, key: l})
	}

	// stable keeps the first seen coordinates of a hotspot heard twice
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].c != refs[j].c {
			return refs[i].c < refs[j].c
		}
		return refs[i].key < refs[j].key
	})

	res := refs[:0]
	for i, ref := range refs {
		if i > 0 && ref.c == refs[i-1].c && ref.key == refs[i-1].key {
			continue
		}
		res = append(res, ref)
	}
	return res
}

type identityKey struct {
	c   storage.Category
	key string
}

// Store writes r and its children in one transaction.
func (s *Store) Store(ctx context.Context, r *storage.Report) (storage.ReportID, error) {
	if r == nil {
		return 0, storage.NewStoreError("store", storage.KindConstraintViolation, storage.ErrNilReport)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ids := make(map[identityKey]int64)
	for _, ref := range reportIdentities(r) {
		id, err := tx.intern(ctx, ref.c, ref.key, ref.coords)
		if err != nil {
			return 0, err
		}
		ids[identityKey{ref.c, ref.key}] = int64(id)
	}
	idOf := func(c storage.Category, key string) int64 {
		return ids[identityKey{c, key}]
	}

	var appEUI, profile, dcBalance interface{}
	if r.AppEUI != nil {
		appEUI = idOf(storage.CategoryAppEUI, *r.AppEUI)
	}
	if r.ProfileName != nil {
		profile = idOf(storage.CategoryProfileName, *r.ProfileName)
	}
	if r.DCBalance != nil {
		dcBalance = *r.DCBalance
	}

	var reportID int64
	err = tx.queryRow(ctx, `INSERT INTO reports (schema_version, app_eui_id, dev_eui_id, dev_addr_id, dc_balance,
		fcnt, port, name_id, profile_name_id, battery_voltage, reported_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		int64(r.Schema), appEUI,
		idOf(storage.CategoryDevEUI, r.DevEUI), idOf(storage.CategoryDevAddr, r.DevAddr), dcBalance,
		int64(r.FrameCounter), int64(r.Port), idOf(storage.CategoryDeviceName, r.DeviceName), profile,
		r.Measurement.BatteryVoltage, r.ReportedAt,
	).Scan(&reportID)
	if err != nil {
		return 0, s.wrap("insert report", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		"INSERT INTO measurements (report_id, temperature, pressure, humidity) VALUES (?, ?, ?, ?)"),
		reportID, r.Measurement.Temperature, r.Measurement.Pressure, r.Measurement.Humidity,
	)
	if err != nil {
		return 0, s.wrap("insert measurement", err)
	}

	for _, rc := range r.RadioContexts {
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			"INSERT INTO hotspot_connections (report_id, frequency, name_id, rssi, snr) VALUES (?, ?, ?, ?, ?)"),
			reportID, rc.Frequency, idOf(storage.CategoryHotspot, rc.Gateway), rc.RSSI, rc.SNR,
		)
		if err != nil {
			return 0, s.wrap("insert hotspot connection", err)
		}
	}

	for _, l := range r.Labels {
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			"INSERT INTO label_reports (report_id, name_id) VALUES (?, ?)"),
			reportID, idOf(storage.CategoryLabel, l),
		)
		if err != nil {
			return 0, s.wrap("insert label report", err)
		}
	}

	if err := tx.commit(); err != nil {
		return 0, err
	}
	committed = true

	return storage.ReportID(reportID), nil
}

// Get reads back a stored report with its identities resolved to keys.
func (s *Store) Get(ctx context.Context, id storage.ReportID) (*storage.Report, error) {
	var (
		schema                       int64
		appEUI, profile              sql.NullString
		devEUI, devAddr, deviceName  string
		dcBalance                    sql.NullInt64
		fcnt, port                   int64
		temperature, pressure, humid sql.NullFloat64
		battery                      float64
		reportedAt                   int64
	)

	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT r.schema_version, a.name, d.name, da.name, n.name, p.name,
		r.dc_balance, r.fcnt, r.port, r.battery_voltage, r.reported_at_ms,
		m.temperature, m.pressure, m.humidity
		FROM reports r
		JOIN dev_eui d ON d.id = r.dev_eui_id
		JOIN dev_addr da ON da.id = r.dev_addr_id
		JOIN device_names n ON n.id = r.name_id
		LEFT JOIN app_eui a ON a.id = r.app_eui_id
		LEFT JOIN profile_names p ON p.id = r.profile_name_id
		LEFT JOIN measurements m ON m.report_id = r.id
		WHERE r.id = ?`), int64(id)).Scan(
		&schema, &appEUI, &devEUI, &devAddr, &deviceName, &profile,
		&dcBalance, &fcnt, &port, &battery, &reportedAt,
		&temperature, &pressure, &humid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get report", err)
	}

	r := &storage.Report{
		Schema:       storage.Schema(schema),
		DevEUI:       devEUI,
		DevAddr:      devAddr,
		DeviceName:   deviceName,
		FrameCounter: uint32(fcnt),
		Port:         uint16(port),
		ReportedAt:   reportedAt,
	}
	r.Measurement.Temperature = temperature.Float64
	r.Measurement.Pressure = pressure.Float64
	r.Measurement.Humidity = humid.Float64
	r.Measurement.BatteryVoltage = battery
	if appEUI.Valid {
		r.AppEUI = &appEUI.String
	}
	if profile.Valid {
		r.ProfileName = &profile.String
	}
	if dcBalance.Valid {
		r.DCBalance = &dcBalance.Int64
	}

	if r.RadioContexts, err = s.radioContexts(ctx, id); err != nil {
		return nil, err
	}
	if r.Labels, err = s.labels(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) radioContexts(ctx context.Context, id storage.ReportID) ([]storage.RadioContext, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT h.name, h.lat, h.lng, c.frequency, c.rssi, c.snr
		FROM hotspot_connections c
		JOIN hotspot_names h ON h.id = c.name_id
		WHERE c.report_id = ? ORDER BY c.id`), int64(id))
	if err != nil {
		return nil, s.wrap("get hotspot connections", err)
	}
	defer rows.Close()

	var rcs []storage.RadioContext
	for rows.Next() {
		var (
			rc       storage.RadioContext
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&rc.Gateway, &lat, &lng, &rc.Frequency, &rc.RSSI, &rc.SNR); err != nil {
			return nil, s.wrap("scan hotspot connection", err)
		}
		if lat.Valid && lng.Valid {
			rc.Coordinates = &storage.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
		}
		rcs = append(rcs, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("get hotspot connections", err)
	}
	return rcs, nil
}

func (s *Store) labels(ctx context.Context, id storage.ReportID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT l.name FROM label_reports lr
		JOIN label_strings l ON l.id = lr.name_id
		WHERE lr.report_id = ? ORDER BY lr.id`), int64(id))
	if err != nil {
		return nil, s.wrap("get labels", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, s.wrap("scan label", err)
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("get labels", err)
	}
	return labels, nil
}
