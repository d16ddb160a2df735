package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/joho/godotenv"
	"github.com/namsral/flag"

	"github.com/akhenakh/lorameteo"
	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage/sqlstore"
	"github.com/akhenakh/lorameteo/uplink"
)

const appName = "meteoingest"

// a delivery is a single line
const maxLineSize = 1 << 20

var (
	storageBackend = flag.String("storage", lorameteo.BackendSQL, "storage backend sql or badger")
	dbDriver       = flag.String("dbDriver", sqlstore.DriverSQLite, "sql driver sqlite or postgres")
	dbDSN          = flag.String("dbDSN", "meteo.db", "sql data source name")
	dbPath         = flag.String("dbPath", "meteo.badger", "badger DB path")
	keyFile        = flag.String("keyFile", "payload_aes_key.hex", "hex encoded AES key file, empty disables decryption")
	storeTimeout   = flag.Duration("storeTimeout", 5*time.Second, "timeout for storing one report")
	debug          = flag.Bool("debug", false, "debug logs")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "app", appName)
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	go func() {
		<-interrupt
		cancel()
	}()

	var key []byte
	if *keyFile != "" {
		k, err := payload.LoadKeyFile(*keyFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load key", "error", err, "path", *keyFile)
			os.Exit(2)
		}
		key = k
	}
	codec, err := payload.NewCodec(key)
	if err != nil {
		level.Error(logger).Log("msg", "invalid key", "error", err)
		os.Exit(2)
	}

	store, closeStore, err := lorameteo.OpenStore(ctx, lorameteo.StoreConfig{
		Backend:    *storageBackend,
		SQL:        sqlstore.Config{Driver: *dbDriver, DSN: *dbDSN},
		BadgerPath: *dbPath,
	}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open storage", "error", err)
		os.Exit(2)
	}
	defer closeStore()

	s := lorameteo.NewServer(appName, logger, store, uplink.NewNormalizer(codec, logger),
		lorameteo.Config{StoreTimeout: *storeTimeout})

	var lines, stored, failed int
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		id, err := s.Ingest(ctx, line)
		if err != nil {
			failed++
			level.Error(logger).Log("msg", "can't ingest line", "line", lines, "error", err)
			continue
		}
		if id != 0 {
			stored++
			level.Debug(logger).Log("msg", "stored", "line", lines, "report_id", id)
		}
	}
	if err := scanner.Err(); err != nil {
		level.Error(logger).Log("msg", "can't read stdin", "error", err)
	}

	level.Info(logger).Log("msg", "done", "lines", lines, "stored", stored, "failed", failed)
	if failed > 0 {
		closeStore()
		os.Exit(1)
	}
}
