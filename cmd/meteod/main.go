package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/joho/godotenv"
	"github.com/namsral/flag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"github.com/akhenakh/lorameteo"
	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage/sqlstore"
	"github.com/akhenakh/lorameteo/uplink"
)

const appName = "meteod"

var (
	version = "no version from LDFLAGS"

	storageBackend = flag.String("storage", lorameteo.BackendSQL, "storage backend sql or badger")
	dbDriver       = flag.String("dbDriver", sqlstore.DriverSQLite, "sql driver sqlite or postgres")
	dbDSN          = flag.String("dbDSN", "meteo.db", "sql data source name")
	dbMaxConns     = flag.Int("dbMaxConns", 10, "max open sql connections, sqlite always uses 1")
	dbMaxIdle      = flag.Int("dbMaxIdle", 2, "max idle sql connections")
	dbPath         = flag.String("dbPath", "meteo.badger", "badger DB path")

	keyFile          = flag.String("keyFile", "payload_aes_key.hex", "hex encoded AES key file, empty disables decryption")
	storeTimeout     = flag.Duration("storeTimeout", 5*time.Second, "timeout for storing one report")
	identityCacheTTL = flag.Duration("identityCacheTTL", 10*time.Minute, "identity cache TTL, 0 disables the cache")
	logLevel         = flag.String("logLevel", "info", "log level debug, info, warn or error")

	httpMetricsPort = flag.Int("httpMetricsPort", 8888, "http port")
	httpAPIPort     = flag.Int("httpAPIPort", 8082, "http webhook port")
	healthPort      = flag.Int("healthPort", 6666, "grpc health port")
)

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.DefaultCaller, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = level.NewFilter(logger, levelOption(*logLevel))

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	var key []byte
	if *keyFile != "" {
		k, err := payload.LoadKeyFile(*keyFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load key", "error", err, "path", *keyFile)
			os.Exit(2)
		}
		key = k
	} else {
		level.Warn(logger).Log("msg", "no key file, encrypted payloads will be rejected")
	}

	codec, err := payload.NewCodec(key)
	if err != nil {
		level.Error(logger).Log("msg", "invalid key", "error", err)
		os.Exit(2)
	}

	store, closeStore, err := lorameteo.OpenStore(ctx, lorameteo.StoreConfig{
		Backend: *storageBackend,
		SQL: sqlstore.Config{
			Driver:   *dbDriver,
			DSN:      *dbDSN,
			MaxConns: *dbMaxConns,
			MaxIdle:  *dbMaxIdle,
		},
		BadgerPath:       *dbPath,
		IdentityCacheTTL: *identityCacheTTL,
	}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open storage", "error", err, "storage", *storageBackend)
		os.Exit(2)
	}
	defer closeStore()

	healthServer := health.NewServer()

	normalizer := uplink.NewNormalizer(codec, logger)
	s := lorameteo.NewServer(appName, logger, store, normalizer, lorameteo.Config{StoreTimeout: *storeTimeout})
	s.Health = healthServer

	srvs, err := newServers(logger,
		fmt.Sprintf(":%d", *healthPort),
		fmt.Sprintf(":%d", *httpMetricsPort),
		fmt.Sprintf(":%d", *httpAPIPort),
		s.Router(), healthServer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create servers", "error", err)
		closeStore()
		os.Exit(2)
	}
	srvs.serve(g)

	select {
	case <-interrupt:
		cancel()
		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	srvs.shutdown(shutdownCtx)

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		closeStore()
		os.Exit(2)
	}
}
