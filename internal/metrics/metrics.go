// Package metrics provides Prometheus-based metrics for the session
// orchestration pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records service metrics. A nil *Recorder is valid and
// records nothing, so tests can pass nil instead of wiring a registry.
type Recorder struct {
	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	retryAttempts   *prometheus.CounterVec
	sandboxOps      *prometheus.CounterVec
	gitOps          *prometheus.CounterVec
	broadcastFrames *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	agentEvents     *prometheus.CounterVec
}

// NewRecorder creates a recorder registered against reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_turns_total",
				Help: "Total number of prompt turns by outcome",
			},
			[]string{"outcome"},
		),
		turnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shipd_turn_duration_seconds",
				Help:    "Duration of prompt turns in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		retryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_retry_attempts_total",
				Help: "Total number of retry attempts by error category",
			},
			[]string{"category"},
		),
		sandboxOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_sandbox_ops_total",
				Help: "Total number of sandbox operations by op and status",
			},
			[]string{"op", "status"},
		),
		gitOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_git_ops_total",
				Help: "Total number of git workflow operations by op and status",
			},
			[]string{"op", "status"},
		),
		broadcastFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_broadcast_frames_total",
				Help: "Total number of frames broadcast to attached connections",
			},
			[]string{"type"},
		),
		wsConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shipd_ws_connections",
				Help: "Number of currently attached duplex connections",
			},
		),
		agentEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipd_agent_events_total",
				Help: "Total number of agent events consumed by type",
			},
			[]string{"type"},
		),
	}
}

// ObserveTurn records one finished prompt turn.
func (r *Recorder) ObserveTurn(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.turnsTotal.WithLabelValues(outcome).Inc()
	r.turnDuration.Observe(d.Seconds())
}

// IncRetry records one retry attempt for an error category.
func (r *Recorder) IncRetry(category string) {
	if r == nil {
		return
	}
	r.retryAttempts.WithLabelValues(category).Inc()
}

// IncSandboxOp records one sandbox operation outcome.
func (r *Recorder) IncSandboxOp(op string, err error) {
	if r == nil {
		return
	}
	r.sandboxOps.WithLabelValues(op, statusLabel(err)).Inc()
}

// IncGitOp records one git workflow operation outcome.
func (r *Recorder) IncGitOp(op string, err error) {
	if r == nil {
		return
	}
	r.gitOps.WithLabelValues(op, statusLabel(err)).Inc()
}

// IncFrame records one broadcast frame.
func (r *Recorder) IncFrame(frameType string) {
	if r == nil {
		return
	}
	r.broadcastFrames.WithLabelValues(frameType).Inc()
}

// ConnAttached records a new duplex connection.
func (r *Recorder) ConnAttached() {
	if r == nil {
		return
	}
	r.wsConnections.Inc()
}

// ConnDetached records a closed duplex connection.
func (r *Recorder) ConnDetached() {
	if r == nil {
		return
	}
	r.wsConnections.Dec()
}

// IncAgentEvent records one consumed agent event.
func (r *Recorder) IncAgentEvent(eventType string) {
	if r == nil {
		return
	}
	r.agentEvents.WithLabelValues(eventType).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
