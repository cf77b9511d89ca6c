package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandpolis_agent"

// Metrics contains the agent control-plane metrics
type Metrics struct {
	// Connections
	ConnectionsActive  prometheus.Gauge
	ConnectAttempts    *prometheus.CounterVec
	ConnectionsLost    prometheus.Counter
	ServerLinkUp       prometheus.Gauge
	ReconnectScheduled prometheus.Counter

	// Commands
	CommandsSent     *prometheus.CounterVec
	CommandOutcomes  *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	InboundRequests  *prometheus.CounterVec
	AuthAttempts     *prometheus.CounterVec
	PluginSyncStatus prometheus.Gauge
}

// NewMetrics creates the agent metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "active",
			Help:      "Number of established connections",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connect attempts by result (established, timeout, error, closed)",
		}, []string{"result"}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "lost_total",
			Help:      "Established connections lost to transport failure",
		}),
		ServerLinkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "server_link_up",
			Help:      "Server link status (0=down, 1=up)",
		}),
		ReconnectScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after server loss",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Commands sent to peers",
		}, []string{"command"}),
		CommandOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "outcomes_total",
			Help:      "Command completions by result (success, failure, timeout, lost, error)",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Time from send to completion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exelet",
			Name:      "requests_total",
			Help:      "Inbound requests handled by result",
		}, []string{"command", "result"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Authentication attempts by strategy and result",
		}, []string{"strategy", "result"}),
		PluginSyncStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "synchronized",
			Help:      "Plugin synchronization status (0=pending or failed, 1=synchronized)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsActive,
		m.ConnectAttempts,
		m.ConnectionsLost,
		m.ServerLinkUp,
		m.ReconnectScheduled,
		m.CommandsSent,
		m.CommandOutcomes,
		m.CommandDuration,
		m.InboundRequests,
		m.AuthAttempts,
		m.PluginSyncStatus,
	}
}

// The Record helpers accept a nil receiver so components built without a
// registry can call them unconditionally.

// RecordConnectAttempt counts a finished connect attempt
func (m *Metrics) RecordConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
	if result == "established" {
		m.ConnectionsActive.Inc()
	}
}

// RecordConnectionEnded decrements the active gauge; lost also counts a loss
func (m *Metrics) RecordConnectionEnded(lost bool) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	if lost {
		m.ConnectionsLost.Inc()
	}
}

// RecordServerLink updates the server link gauge
func (m *Metrics) RecordServerLink(up bool) {
	if m == nil {
		return
	}
	m.ServerLinkUp.Set(boolValue(up))
}

// RecordReconnectScheduled counts a scheduled reconnect
func (m *Metrics) RecordReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectScheduled.Inc()
}

// RecordCommandSent counts an outgoing command
func (m *Metrics) RecordCommandSent(command string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(command).Inc()
}

// RecordCommandOutcome counts a completed command and observes its latency
func (m *Metrics) RecordCommandOutcome(command, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandOutcomes.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// RecordInboundRequest counts a handled inbound request
func (m *Metrics) RecordInboundRequest(command, result string) {
	if m == nil {
		return
	}
	m.InboundRequests.WithLabelValues(command, result).Inc()
}

// RecordAuthAttempt counts an authentication attempt
func (m *Metrics) RecordAuthAttempt(strategy string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthAttempts.WithLabelValues(strategy, result).Inc()
}

// RecordPluginSync updates the plugin synchronization gauge
func (m *Metrics) RecordPluginSync(ok bool) {
	if m == nil {
		return
	}
	m.PluginSyncStatus.Set(boolValue(ok))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
