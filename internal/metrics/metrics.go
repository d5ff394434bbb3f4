// Package metrics exposes the server's Prometheus collectors. One Metrics
// value is created per ServerState and threaded into the components that
// report.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the server updates.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsFailed    prometheus.Counter
	InputStreams      prometheus.Gauge

	UnderrunFrames prometheus.Counter
	MixCycles      prometheus.Counter
	FramesMixed    prometheus.Counter

	RequestsTotal *prometheus.CounterVec
}

// New builds a Metrics with its own registry so tests never collide on the
// default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chorus_connections_active",
			Help: "Client connections currently open.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chorus_output_sessions_active",
			Help: "Output sessions currently registered with the mixer.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_output_sessions_created_total",
			Help: "Output sessions created since start.",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_output_sessions_failed_total",
			Help: "Output session creations that returned the failure sentinel.",
		}),
		InputStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chorus_input_streams_active",
			Help: "Input capture streams currently running.",
		}),
		UnderrunFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_underrun_frames_total",
			Help: "Frames zero-filled because producers delivered late.",
		}),
		MixCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_mix_cycles_total",
			Help: "Real-time mix callbacks executed.",
		}),
		FramesMixed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_frames_mixed_total",
			Help: "Frames delivered to the output device.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_requests_total",
			Help: "Control requests by message type and outcome.",
		}, []string{"type", "outcome"}),
	}
}
