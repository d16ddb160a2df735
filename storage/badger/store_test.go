package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	s, err := Open(dir, log.NewNopLogger(), opts...)
	require.NoError(t, err)
	return s
}

func testReport() *storage.Report {
	appEUI := "6081F9D16837130E"
	dc := int64(3684)
	return &storage.Report{
		Schema:       storage.SchemaV1,
		AppEUI:       &appEUI,
		DevEUI:       "6081F9A6E2AE3C5B",
		DevAddr:      "1D000048",
		DeviceName:   "meteo-balcony",
		DCBalance:    &dc,
		FrameCounter: 42,
		Port:         1,
		ReportedAt:   1678451696789,
		Measurement: payload.Measurement{
			Temperature:    25,
			Pressure:       101325,
			Humidity:       55,
			BatteryVoltage: 3.3,
		},
		RadioContexts: []storage.RadioContext{
			{
				Gateway:     "brave-peach-crane",
				Coordinates: &storage.Coordinates{Lat: 48.8583, Lng: 2.2945},
				Frequency:   867.5,
				RSSI:        -112,
				SNR:         2.5,
			},
			{
				Gateway:   "tiny-ocean-lynx",
				Frequency: 867.5,
				RSSI:      -119,
				SNR:       storage.SNRAbsent,
			},
		},
		Labels: []string{"garden", "meteo"},
	}
}

func TestKeys(t *testing.T) {
	k := IdentityKey(storage.CategoryLabel, "garden")
	require.Equal(t, []byte("MI\x06\x00garden"), k)

	nk := NameKey(storage.CategoryHotspot, 1)
	require.Equal(t, []byte{'M', 'N', 5, 0, 0, 0, 0, 0, 0, 0, 1}, nk)

	// report keys sort by id
	require.Less(t, string(ReportKey(2)), string(ReportKey(256)))
	require.Equal(t, int64(256), btoi(ReportKey(256)[2:]))
}

func TestIntern(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	id1, err := s.Intern(ctx, storage.CategoryDevEUI, "6081F9A6E2AE3C5B", nil)
	require.NoError(t, err)
	id2, err := s.Intern(ctx, storage.CategoryDevEUI, "6081F9A6E2AE3C5B", nil)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := s.Intern(ctx, storage.CategoryDevEUI, "6081F9A6E2AE3C5C", nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)

	_, err = s.Intern(ctx, storage.Category(42), "x", nil)
	require.ErrorIs(t, err, storage.ErrInvalidCategory)
	kind, ok := storage.KindOf(err)
	require.True(t, ok)
	require.Equal(t, storage.KindConstraintViolation, kind)
}

func TestStoreNilReport(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Store(context.Background(), nil)
	require.ErrorIs(t, err, storage.ErrNilReport)
	kind, ok := storage.KindOf(err)
	require.True(t, ok)
	require.Equal(t, storage.KindConstraintViolation, kind)
}

func TestInternConcurrent(t *testing.T) {
	cache := storage.NewIdentityCache(time.Minute, 0)
	defer cache.Close()
	s := openStore(t, t.TempDir(), WithIdentityCache(cache))
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]storage.Identity, 20)
	errs := make([]error, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.Intern(ctx, storage.CategoryHotspot, "brave-peach-crane", nil)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}

	id, ok := cache.Get(storage.CategoryHotspot, "brave-peach-crane")
	require.True(t, ok)
	require.Equal(t, ids[0], id)
}

func TestStoreGet(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	r := testReport()
	id, err := s.Store(ctx, r)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	// first seen coordinates are kept
	r2 := testReport()
	r2.Schema = storage.SchemaV2
	r2.AppEUI = nil
	r2.Labels = nil
	r2.RadioContexts[0].Coordinates = &storage.Coordinates{Lat: 1, Lng: 1}
	id2, err := s.Store(ctx, r2)
	require.NoError(t, err)
	require.NotEqual(t, id, id2)

	got, err = s.Get(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, storage.SchemaV2, got.Schema)
	require.Nil(t, got.AppEUI)
	require.Nil(t, got.Labels)
	require.Equal(t, &storage.Coordinates{Lat: 48.8583, Lng: 2.2945}, got.RadioContexts[0].Coordinates)

	_, err = s.Get(ctx, 999)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreCanceled(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := s.Store(ctx, testReport())
	require.Error(t, err)
	kind, ok := storage.KindOf(err)
	require.True(t, ok)
	require.Equal(t, storage.KindTimeout, kind)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir)
	lid, err := s.Intern(ctx, storage.CategoryLabel, "garden", nil)
	require.NoError(t, err)
	rid, err := s.Store(ctx, testReport())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()

	id, err := s.Intern(ctx, storage.CategoryLabel, "garden", nil)
	require.NoError(t, err)
	require.Equal(t, lid, id)

	// ids are never reused
	id, err = s.Intern(ctx, storage.CategoryLabel, "balcony", nil)
	require.NoError(t, err)
	require.Greater(t, int64(id), int64(lid))

	rid2, err := s.Store(ctx, testReport())
	require.NoError(t, err)
	require.Greater(t, int64(rid2), int64(rid))

	_, err = s.Get(ctx, rid)
	require.NoError(t, err)
}
