package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks transaction execution outcomes per program.
type LedgerMetrics struct {
	executed *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			executed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Count of executed transactions by program and outcome.",
			}, []string{"program", "outcome"}),
		}
		prometheus.MustRegister(ledgerRegistry.executed)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveExecution(program string, ok bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if ok {
		outcome = "committed"
	}
	m.executed.WithLabelValues(program, outcome).Inc()
}

// MessagingMetrics tracks the instruction mix and failure codes seen by the
// messaging program.
type MessagingMetrics struct {
	instructions *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

var (
	messagingOnce     sync.Once
	messagingRegistry *MessagingMetrics
)

func Messaging() *MessagingMetrics {
	messagingOnce.Do(func() {
		messagingRegistry = &MessagingMetrics{
			instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "messaging_instructions_total",
				Help: "Count of processed messaging instructions by operation.",
			}, []string{"operation"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "messaging_failures_total",
				Help: "Count of rejected messaging instructions by error code.",
			}, []string{"code"}),
		}
		prometheus.MustRegister(
			messagingRegistry.instructions,
			messagingRegistry.failures,
		)
	})
	return messagingRegistry
}

func (m *MessagingMetrics) ObserveInstruction(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.instructions.WithLabelValues(operation).Inc()
}

func (m *MessagingMetrics) ObserveFailure(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.failures.WithLabelValues(code).Inc()
}
