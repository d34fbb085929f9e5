package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for the sync engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionState  *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	HeartbeatMisses  prometheus.Counter
	ContractHealthy  *prometheus.GaugeVec
	ContractRebinds  *prometheus.CounterVec
	ActiveListeners  prometheus.Gauge
	EventsReceived   *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	JobsEnqueued     *prometheus.CounterVec
	JobsDeduplicated *prometheus.CounterVec
	JobsProcessed    *prometheus.CounterVec
	TrackerOutcomes  *prometheus.CounterVec
	WebhookRequests  *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "certsync",
			Subsystem: "rpc",
			Name:      "connection_state",
			Help:      "Current RPC connection state (1 for the active state)",
		}, []string{"state"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "rpc",
			Name:      "reconnects_total",
			Help:      "Number of reconnect cycles started",
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "rpc",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat probes that were not acknowledged in time",
		}),
		ContractHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "certsync",
			Subsystem: "contract",
			Name:      "healthy",
			Help:      "Contract binding health (1 healthy, 0 unhealthy)",
		}, []string{"contract"}),
		ContractRebinds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "contract",
			Name:      "rebinds_total",
			Help:      "Contract binding rebuilds",
		}, []string{"contract"}),
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "certsync",
			Subsystem: "listener",
			Name:      "active",
			Help:      "Live event subscriptions",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "listener",
			Name:      "events_total",
			Help:      "Contract events delivered to handlers",
		}, []string{"event", "source"}),
		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "listener",
			Name:      "handler_errors_total",
			Help:      "Event handler failures",
		}, []string{"event"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Jobs accepted by the ingestion queue",
		}, []string{"kind"}),
		JobsDeduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "queue",
			Name:      "deduplicated_total",
			Help:      "Enqueue attempts skipped because the key already existed",
		}, []string{"kind"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Job processing attempts by result",
		}, []string{"kind", "result"}),
		TrackerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "tracker",
			Name:      "outcomes_total",
			Help:      "Tracker transition outcomes",
		}, []string{"aggregate", "outcome"}),
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certsync",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook deliveries by contract and status code",
		}, []string{"contract", "code"}),
	}
}

var connectionStates = []string{"disconnected", "connecting", "connected", "unhealthy", "reconnecting"}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) IncHeartbeatMiss() {
	if m == nil {
		return
	}
	m.HeartbeatMisses.Inc()
}

func (m *Metrics) SetContractHealthy(contract string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.ContractHealthy.WithLabelValues(contract).Set(v)
}

func (m *Metrics) IncRebind(contract string) {
	if m == nil {
		return
	}
	m.ContractRebinds.WithLabelValues(contract).Inc()
}

func (m *Metrics) SetActiveListeners(n int) {
	if m == nil {
		return
	}
	m.ActiveListeners.Set(float64(n))
}

func (m *Metrics) IncEvent(event, source string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event, source).Inc()
}

func (m *Metrics) IncHandlerError(event string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) IncEnqueued(kind string, created bool) {
	if m == nil {
		return
	}
	if created {
		m.JobsEnqueued.WithLabelValues(kind).Inc()
		return
	}
	m.JobsDeduplicated.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncProcessed(kind, result string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncTrackerOutcome(aggregate, outcome string) {
	if m == nil {
		return
	}
	m.TrackerOutcomes.WithLabelValues(aggregate, outcome).Inc()
}

func (m *Metrics) IncWebhook(contract string, code int) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(contract, strconv.Itoa(code)).Inc()
}
