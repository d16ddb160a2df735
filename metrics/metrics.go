package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "lorameteo"

	SchemaLabel   = "schema"
	KindLabel     = "kind"
	CategoryLabel = "category"
	EventLabel    = "event"
)

var (
	MsgReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_msg_total",
			Help:      "The total number of received webhook deliveries",
		},
		[]string{SchemaLabel},
	)

	JoinCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_total",
			Help:      "The total number of join events received",
		},
	)

	DroppedEventCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_event_total",
			Help:      "The total number of non uplink events dropped",
		},
		[]string{EventLabel},
	)

	DecodeErrorCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_error_total",
			Help:      "The total number of undecodable sensor payloads",
		},
	)

	NormalizeErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_error_total",
			Help:      "The total number of bodies that could not be normalized",
		},
		[]string{KindLabel},
	)

	StoreErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_error_total",
			Help:      "The total number of storage errors",
		},
		[]string{KindLabel},
	)

	InsertCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_total",
			Help:      "The total number of reports inserted in db",
		},
	)

	IdentityCreatedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_created_total",
			Help:      "The total number of identities created",
		},
		[]string{CategoryLabel},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one delivery, from body to stored report",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
