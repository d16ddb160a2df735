package lorameteo

import (
	"context"
	"errors"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"google.golang.org/grpc/health"

	"github.com/akhenakh/lorameteo/metrics"
	"github.com/akhenakh/lorameteo/payload"
	"github.com/akhenakh/lorameteo/storage"
	"github.com/akhenakh/lorameteo/uplink"
)

type Server struct {
	appName    string
	logger     log.Logger
	Health     *health.Server
	Store      storage.Store
	Normalizer *uplink.Normalizer
	config     Config
}

type Config struct {
	// bounds each report write, 0 means no timeout
	StoreTimeout time.Duration
}

func NewServer(appName string, logger log.Logger, store storage.Store, normalizer *uplink.Normalizer, cfg Config) *Server {
	logger = log.With(logger, "component", "server")
	return &Server{
		appName:    appName,
		logger:     logger,
		Store:      store,
		Normalizer: normalizer,
		config:     cfg,
	}
}

// Ingest normalizes body and stores the resulting report.
// Join events are counted and skipped, they return a zero ReportID and no error.
func (s *Server) Ingest(ctx context.Context, body []byte) (storage.ReportID, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	ev, err := s.Normalizer.Normalize(body)
	if err != nil {
		metrics.MsgReceivedCounter.WithLabelValues("invalid").Inc()
		countNormalizeError(err)
		return 0, err
	}
	metrics.MsgReceivedCounter.WithLabelValues(ev.Schema.String()).Inc()

	if ev.Join != nil {
		metrics.JoinCounter.Inc()
		level.Info(s.logger).Log(
			"msg", "join event received",
			"dev_eui", ev.Join.DevEUI,
			"device_name", ev.Join.DeviceName,
		)
		return 0, nil
	}

	if s.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.StoreTimeout)
		defer cancel()
	}

	id, err := s.Store.Store(ctx, ev.Report)
	if err != nil {
		kind, _ := storage.KindOf(err)
		metrics.StoreErrorCounter.WithLabelValues(kind.String()).Inc()
		return 0, err
	}
	metrics.InsertCounter.Inc()

	level.Debug(s.logger).Log(
		"msg", "report stored",
		"report_id", id,
		"dev_eui", ev.Report.DevEUI,
		"fcnt", ev.Report.FrameCounter,
	)
	return id, nil
}

func countNormalizeError(err error) {
	if errors.Is(err, payload.ErrMalformedPayload) || errors.Is(err, payload.ErrNoKey) {
		metrics.DecodeErrorCounter.Inc()
		return
	}
	var nerr *uplink.NormalizeError
	if errors.As(err, &nerr) {
		metrics.NormalizeErrorCounter.WithLabelValues(nerr.Kind.String()).Inc()
		return
	}
	metrics.NormalizeErrorCounter.WithLabelValues("unknown").Inc()
}
