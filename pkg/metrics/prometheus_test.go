package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.SynthesisFailed()
		m.FramesDiscarded(3)
		m.ChatHandled("ok", time.Second)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SynthesisFailed()
	m.FramesDiscarded(4)
	m.FramesDiscarded(0)
	m.ChatHandled("timeout", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.VoiceConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SynthesisFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatRequests.WithLabelValues("timeout")))
}
