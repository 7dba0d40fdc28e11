package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the assistant service.
// All helper methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Voice channel metrics
	VoiceConnections prometheus.Gauge
	VoiceTurns       prometheus.Counter
	Interruptions    prometheus.Counter
	UtteranceBytes   prometheus.Histogram
	FirstFragment    prometheus.Histogram

	// Synthesis metrics
	SynthesisUnits    prometheus.Counter
	SynthesisFailures prometheus.Counter
	SynthesisRetries  prometheus.Counter

	// Egress metrics
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter

	// REST metrics
	ChatRequests *prometheus.CounterVec
	ChatDuration prometheus.Histogram

	// Session registry
	Sessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VoiceConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "talkstream_voice_connections",
			Help: "Current number of open voice connections",
		}),
		VoiceTurns: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_voice_turns_total",
			Help: "Total number of finalized utterances handed to generation",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_interruptions_total",
			Help: "Total number of client interrupts handled",
		}),
		UtteranceBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "talkstream_utterance_bytes",
			Help:    "Size of finalized utterance payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		FirstFragment: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "talkstream_generation_first_fragment_seconds",
			Help:    "Latency from the start of streaming to the first generated fragment",
			Buckets: prometheus.DefBuckets,
		}),
		SynthesisUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_synthesis_units_total",
			Help: "Total number of text units sent to speech synthesis",
		}),
		SynthesisFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_synthesis_failures_total",
			Help: "Total number of synthesis units that failed and were skipped",
		}),
		SynthesisRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_synthesis_retries_total",
			Help: "Total number of synthesis retries after transient errors",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_egress_frames_sent_total",
			Help: "Total number of outbound messages written to clients",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "talkstream_egress_frames_dropped_total",
			Help: "Total number of outbound messages discarded by interrupts or stale turns",
		}),
		ChatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "talkstream_chat_requests_total",
			Help: "Total number of REST chat requests by outcome",
		}, []string{"outcome"}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "talkstream_chat_duration_seconds",
			Help:    "REST chat request duration",
			Buckets: prometheus.DefBuckets,
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "talkstream_sessions",
			Help: "Current number of sessions held by the registry",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.VoiceConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.VoiceConnections.Dec()
	}
}

func (m *Metrics) TurnStarted(utteranceBytes int) {
	if m != nil {
		m.VoiceTurns.Inc()
		m.UtteranceBytes.Observe(float64(utteranceBytes))
	}
}

func (m *Metrics) Interrupted() {
	if m != nil {
		m.Interruptions.Inc()
	}
}

func (m *Metrics) ObserveFirstFragment(d time.Duration) {
	if m != nil {
		m.FirstFragment.Observe(d.Seconds())
	}
}

func (m *Metrics) SynthesisUnit() {
	if m != nil {
		m.SynthesisUnits.Inc()
	}
}

func (m *Metrics) SynthesisFailed() {
	if m != nil {
		m.SynthesisFailures.Inc()
	}
}

func (m *Metrics) SynthesisRetried() {
	if m != nil {
		m.SynthesisRetries.Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) FramesDiscarded(n int) {
	if m != nil && n > 0 {
		m.FramesDropped.Add(float64(n))
	}
}

func (m *Metrics) ChatHandled(outcome string, d time.Duration) {
	if m != nil {
		m.ChatRequests.WithLabelValues(outcome).Inc()
		m.ChatDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.Sessions.Set(float64(n))
	}
}
