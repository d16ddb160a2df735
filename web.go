package lorameteo

import (
	"io"
	"net/http"

	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/akhenakh/lorameteo/metrics"
)

// the reply expected by the upstream senders, whatever the outcome
const ackBody = "42"

// maxBodySize caps a delivery, real ones are a few KB
const maxBodySize = 1 << 20

// ChirpStack integration events, anything else is counted as other
var knownEvents = map[string]bool{
	"join":        true,
	"ack":         true,
	"txack":       true,
	"log":         true,
	"status":      true,
	"location":    true,
	"integration": true,
}

// Router returns the webhook HTTP handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.Webhook).Methods(http.MethodPost)
	r.HandleFunc("/uplink", s.Webhook).Methods(http.MethodPost)
	r.HandleFunc("/", s.Ack).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s}),
	)(handlers.CompressHandler(r))
}

// Ack answers a liveness probe from the upstream console.
func (s *Server) Ack(w http.ResponseWriter, r *http.Request) {
	ack(w)
}

// Webhook ingests one delivery, failures are logged and never surfaced to the sender.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	operationName := "/uplink"
	wireContext, err := opentracing.GlobalTracer().Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(r.Header))
	if err != nil {
		level.Debug(s.logger).Log("msg", "can't find a span", "error", err)
	}

	serverSpan := opentracing.StartSpan(
		operationName,
		ext.RPCServerOption(wireContext))
	defer serverSpan.Finish()
	ext.HTTPMethod.Set(serverSpan, r.Method)
	ext.HTTPUrl.Set(serverSpan, r.URL.String())
	ctx := opentracing.ContextWithSpan(r.Context(), serverSpan)

	if event := r.URL.Query().Get("event"); event != "" && event != "up" {
		if !knownEvents[event] {
			event = "other"
		}
		metrics.DroppedEventCounter.WithLabelValues(event).Inc()
		level.Debug(s.logger).Log("msg", "dropping non uplink event", "event", event)
		ack(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		ext.Error.Set(serverSpan, true)
		level.Error(s.logger).Log("msg", "can't read body", "error", err)
		ack(w)
		return
	}

	id, err := s.Ingest(ctx, body)
	if err != nil {
		ext.Error.Set(serverSpan, true)
		serverSpan.LogKV("error", err.Error())
		level.Error(s.logger).Log("msg", "can't ingest delivery", "error", err)
		ack(w)
		return
	}
	if id != 0 {
		serverSpan.SetTag("report_id", int64(id))
	}

	ack(w)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ackBody))
}

type recoveryLogger struct {
	s *Server
}

func (l recoveryLogger) Println(v ...interface{}) {
	level.Error(l.s.logger).Log("msg", "panic while serving request", "error", v)
}
