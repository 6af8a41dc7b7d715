package metrics

import "sync"

// Counter names used across the relay.
const (
	SessionsOpened     = "sessions_opened"
	SessionsClosed     = "sessions_closed"
	RelayDelivered     = "relay_delivered"
	RelayQueued        = "relay_queued"
	RelayDropped       = "relay_dropped"
	RelayRateLimited   = "relay_rate_limited"
	RelayTooLarge      = "relay_too_large"
	EchoesDelivered    = "echoes_delivered"
	AcksForwarded      = "acks_forwarded"
	PubSubPublished    = "pubsub_published"
	PubSubRequeued     = "pubsub_requeued"
	QueueFlushed       = "queue_flushed_envelopes"
	QueueExpiredOnRead = "queue_expired_on_read"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay exposes these counters in Prometheus' text format via
// PrometheusHandler; keeping the registry in-process keeps delivery logic
// testable without a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
