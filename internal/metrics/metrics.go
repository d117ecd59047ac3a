// Package metrics holds the Telegram transport counters and the HTTP
// handler that exposes them together with the process-wide collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the chat transport
type Metrics struct {
	registry *prometheus.Registry

	// Inbound
	TelegramUpdatesTotal  *prometheus.CounterVec
	TelegramCommandsTotal *prometheus.CounterVec

	// Outbound
	TelegramMessagesSentTotal *prometheus.CounterVec
	TelegramErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TelegramUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livetrack_telegram_updates_total",
				Help: "Total number of Telegram updates received by kind",
			},
			[]string{"kind"},
		),
		TelegramCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livetrack_telegram_commands_total",
				Help: "Total number of bot commands by name and whether the sender was allowed",
			},
			[]string{"command", "allowed"},
		),
		TelegramMessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livetrack_telegram_messages_sent_total",
				Help: "Total number of Telegram messages sent by format",
			},
			[]string{"format"},
		),
		TelegramErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livetrack_telegram_errors_total",
				Help: "Total number of Telegram API errors by operation",
			},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(
		m.TelegramUpdatesTotal,
		m.TelegramCommandsTotal,
		m.TelegramMessagesSentTotal,
		m.TelegramErrorsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving these metrics and any extra
// gatherers, typically prometheus.DefaultGatherer.
func (m *Metrics) Handler(extra ...prometheus.Gatherer) http.Handler {
	gatherers := prometheus.Gatherers{m.registry}
	gatherers = append(gatherers, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Nil-safe recorders so callers may run without metrics.

// UpdateReceived counts one inbound update
func (m *Metrics) UpdateReceived(kind string) {
	if m == nil {
		return
	}
	m.TelegramUpdatesTotal.WithLabelValues(kind).Inc()
}

// CommandReceived counts one bot command
func (m *Metrics) CommandReceived(command string, allowed bool) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.TelegramCommandsTotal.WithLabelValues(command, label).Inc()
}

// MessageSent counts one delivered message
func (m *Metrics) MessageSent(format string) {
	if m == nil {
		return
	}
	m.TelegramMessagesSentTotal.WithLabelValues(format).Inc()
}

// APIError counts one failed Telegram call
func (m *Metrics) APIError(op string) {
	if m == nil {
		return
	}
	m.TelegramErrorsTotal.WithLabelValues(op).Inc()
}
