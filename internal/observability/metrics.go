package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments updated by the gateway and
// the cron scheduler. ToolDispatches, ToolDuration, SandboxExecutions
// and ProviderRetries are registered, but no caller updates them.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	TurnsProcessed    *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	ToolDispatches    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	SandboxExecutions *prometheus.CounterVec
	ApprovalPrompts   *prometheus.CounterVec
	CronTicks         prometheus.Counter
	CronRuns          *prometheus.CounterVec
	Compressions      prometheus.Counter
	ProviderRetries   *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	TokensUsed        *prometheus.CounterVec
}

// NewMetrics registers all instruments on a fresh registry so tests can
// construct isolated instances.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_messages_received_total",
			Help: "Inbound platform events by platform and message type.",
		}, []string{"platform", "type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_messages_sent_total",
			Help: "Outbound deliveries by platform and outcome.",
		}, []string{"platform", "outcome"}),
		TurnsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_agent_turns_total",
			Help: "Completed agent turns by platform and finish reason.",
		}, []string{"platform", "finish_reason"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_agent_turn_duration_seconds",
			Help:    "Wall time of one agent turn.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"platform"}),
		ToolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_tool_dispatches_total",
			Help: "Tool registry dispatches by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_tool_duration_seconds",
			Help:    "Tool handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"tool"}),
		SandboxExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_sandbox_executions_total",
			Help: "Sandbox command executions by backend and outcome.",
		}, []string{"backend", "outcome"}),
		ApprovalPrompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_approval_prompts_total",
			Help: "Dangerous-command approval prompts by pattern and resolution.",
		}, []string{"pattern", "resolution"}),
		CronTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_cron_ticks_total",
			Help: "Scheduler tick evaluations.",
		}),
		CronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_cron_runs_total",
			Help: "Cron job firings by outcome (delivered, blocked, failed).",
		}, []string{"outcome"}),
		Compressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_context_compressions_total",
			Help: "Context compressor invocations.",
		}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_provider_retries_total",
			Help: "Transient provider errors retried, by provider.",
		}, []string{"provider"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hermes_active_sessions",
			Help: "Sessions currently accepting turns.",
		}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_tokens_total",
			Help: "Token usage by direction (input, output).",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.MessagesReceived, m.MessagesSent, m.TurnsProcessed, m.TurnDuration,
		m.ToolDispatches, m.ToolDuration, m.SandboxExecutions, m.ApprovalPrompts,
		m.CronTicks, m.CronRuns, m.Compressions, m.ProviderRetries,
		m.ActiveSessions, m.TokensUsed,
	)
	return m
}

// Registry exposes the underlying registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
