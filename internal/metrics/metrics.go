// Package metrics declares the Prometheus collectors shared by the context
// engine components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome and result label values.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeFallback  = "fallback"
)

var (
	// TurnsTotal counts processed conversation turns by intent and outcome.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_context_turns_total",
		Help: "Conversation turns processed by intent and outcome",
	}, []string{"intent", "outcome"})

	// TurnDuration tracks end-to-end turn latency.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_context_turn_duration_seconds",
		Help:    "Conversation turn duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"intent"})

	// GenerationPathTotal counts which generation branch produced a reply.
	GenerationPathTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_context_generation_path_total",
		Help: "Generation results by path (smart or fallback)",
	}, []string{"path"})

	// TruncationsTotal counts budget truncations that removed anything.
	TruncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_context_truncations_total",
		Help: "Token budget truncations that removed messages or context items",
	})

	// TokensRemoved tracks tokens removed per truncation.
	TokensRemoved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_context_tokens_removed",
		Help:    "Tokens removed per truncation",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	// OperationsTotal counts context state operations by result.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_context_operations_total",
		Help: "Context state operations by operation and result",
	}, []string{"op", "result"})

	// EventHandlerFailures counts subscriber errors and panics.
	EventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_context_event_handler_failures_total",
		Help: "Event subscriber failures by event type",
	}, []string{"event_type"})

	// PersistRetries counts persistence writes that needed a retry.
	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_context_persist_retries_total",
		Help: "Persistence writes retried after a failure",
	})
)

// ObserveTurn records a finished turn.
func ObserveTurn(intent, outcome string, elapsed time.Duration) {
	TurnsTotal.WithLabelValues(intent, outcome).Inc()
	TurnDuration.WithLabelValues(intent).Observe(elapsed.Seconds())
}

// ObserveOperation records a context state operation.
func ObserveOperation(op string, err error) {
	result := OutcomeOK
	if err != nil {
		result = OutcomeError
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
}

// ObserveTruncation records a truncation that removed tokens.
func ObserveTruncation(tokensRemoved int) {
	if tokensRemoved <= 0 {
		return
	}
	TruncationsTotal.Inc()
	TokensRemoved.Observe(float64(tokensRemoved))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
