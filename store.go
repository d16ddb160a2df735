package lorameteo

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/akhenakh/lorameteo/storage"
	badgerstore "github.com/akhenakh/lorameteo/storage/badger"
	"github.com/akhenakh/lorameteo/storage/sqlstore"
)

const (
	BackendSQL    = "sql"
	BackendBadger = "badger"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Backend    string
	SQL        sqlstore.Config
	BadgerPath string
	// 0 disables the identity cache
	IdentityCacheTTL time.Duration
}

// OpenStore opens the configured backend, SQL tables are created when missing.
// The returned func closes the store and its cache.
func OpenStore(ctx context.Context, cfg StoreConfig, logger log.Logger) (storage.Store, func(), error) {
	var cache *storage.IdentityCache
	if cfg.IdentityCacheTTL > 0 {
		cache = storage.NewIdentityCache(cfg.IdentityCacheTTL, 0)
	}

	var store storage.Store
	switch cfg.Backend {
	case BackendSQL:
		s, err := sqlstore.Open(ctx, cfg.SQL, logger, sqlstore.WithIdentityCache(cache))
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			cache.Close()
			return nil, nil, err
		}
		store = s
	case BackendBadger:
		s, err := badgerstore.Open(cfg.BadgerPath, logger, badgerstore.WithIdentityCache(cache))
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		store = s
	default:
		cache.Close()
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	closer := func() {
		if err := store.Close(); err != nil {
			level.Error(logger).Log("msg", "can't close store", "error", err)
		}
		cache.Close()
	}
	return store, closer, nil
}
