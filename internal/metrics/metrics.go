// Package metrics exposes Prometheus instrumentation for the realtime
// voice client: capture throughput, transport health, and playback queue
// behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice client. A nil
// *Metrics is valid; every record method is a no-op on it so components can
// run uninstrumented.
type Metrics struct {
	// Capture pipeline metrics
	BlocksCaptured prometheus.Counter
	BatchesFlushed prometheus.Counter
	BatchBytes     prometheus.Histogram

	// Transport metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	Reconnects       prometheus.Counter
	ProtocolErrors   prometheus.Counter

	// Session metrics
	TurnsStarted   prometheus.Counter
	TurnsCompleted prometheus.Counter
	TurnDuration   prometheus.Histogram

	// Playback metrics
	ItemsEnqueued  prometheus.Counter
	ItemsPlayed    prometheus.Counter
	ItemsSkipped   prometheus.Counter
	ItemsDiscarded prometheus.Counter
	QueueDepth     prometheus.Gauge
}

// New creates and registers all metrics on reg. Passing nil registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BlocksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_capture_blocks_total",
			Help: "Total number of audio blocks read from the input device",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_capture_batches_flushed_total",
			Help: "Total number of audio batches flushed to the transport",
		}),
		BatchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicerag_capture_batch_bytes",
			Help:    "Size of flushed audio batches in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~1MB
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_transport_messages_sent_total",
			Help: "Total number of wire messages sent",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_transport_messages_received_total",
			Help: "Total number of wire messages received",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_transport_reconnects_total",
			Help: "Total number of reconnect attempts",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_transport_protocol_errors_total",
			Help: "Total number of inbound frames that failed validation",
		}),
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_session_turns_started_total",
			Help: "Total number of turns submitted",
		}),
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_session_turns_completed_total",
			Help: "Total number of turns that received a completion",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicerag_session_turn_duration_seconds",
			Help:    "Duration from turn submit to completion",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		ItemsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_playback_items_enqueued_total",
			Help: "Total number of audio segments enqueued for playback",
		}),
		ItemsPlayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_playback_items_played_total",
			Help: "Total number of audio segments fully rendered",
		}),
		ItemsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_playback_items_skipped_total",
			Help: "Total number of audio segments skipped after decode or device errors",
		}),
		ItemsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerag_playback_items_discarded_total",
			Help: "Total number of queued segments discarded at turn boundaries",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicerag_playback_queue_depth",
			Help: "Current number of segments waiting in the playback queue",
		}),
	}
}

// RecordBlockCaptured increments the captured block counter.
func (m *Metrics) RecordBlockCaptured() {
	if m == nil {
		return
	}
	m.BlocksCaptured.Inc()
}

// RecordBatchFlushed records one flushed batch and its size.
func (m *Metrics) RecordBatchFlushed(sizeBytes int) {
	if m == nil {
		return
	}
	m.BatchesFlushed.Inc()
	m.BatchBytes.Observe(float64(sizeBytes))
}

// RecordMessageSent increments the sent message counter.
func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// RecordMessageReceived increments the received message counter.
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordProtocolError increments the protocol error counter.
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordTurnStarted increments the turns started counter.
func (m *Metrics) RecordTurnStarted() {
	if m == nil {
		return
	}
	m.TurnsStarted.Inc()
}

// RecordTurnCompleted records one completed turn and its duration.
func (m *Metrics) RecordTurnCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnsCompleted.Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordItemEnqueued increments the enqueued segment counter.
func (m *Metrics) RecordItemEnqueued() {
	if m == nil {
		return
	}
	m.ItemsEnqueued.Inc()
}

// RecordItemPlayed increments the played segment counter.
func (m *Metrics) RecordItemPlayed() {
	if m == nil {
		return
	}
	m.ItemsPlayed.Inc()
}

// RecordItemSkipped increments the skipped segment counter.
func (m *Metrics) RecordItemSkipped() {
	if m == nil {
		return
	}
	m.ItemsSkipped.Inc()
}

// RecordItemsDiscarded adds n to the discarded segment counter.
func (m *Metrics) RecordItemsDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsDiscarded.Add(float64(n))
}

// SetQueueDepth sets the current playback queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}
