package metrics

import "sync"

// Counter names used by the relay. Keeping them in one place makes the
// /metricz output greppable and keeps tests honest about what they assert.
const (
	CounterJoins          = "joins"
	CounterDuplicateJoins = "duplicate_joins"
	CounterLeaves         = "leaves"

	CounterOffersRelayed     = "offers_relayed"
	CounterAnswersRelayed    = "answers_relayed"
	CounterCandidatesRelayed = "candidates_relayed"

	CounterChatBroadcasts = "chat_broadcasts"
	CounterChatUpdates    = "chat_updates"
	CounterChatDeletes    = "chat_deletes"

	CounterKicksHonored = "kicks_honored"
	CounterKicksDenied  = "kicks_denied"

	CounterAuthFailures = "auth_failures"
)

// Drop reasons, exposed as drops_<reason> counters.
const (
	DropReasonRateLimited        = "rate_limited"
	DropReasonTooLarge           = "too_large"
	DropReasonNotJoined          = "not_joined"
	DropReasonUnknownTarget      = "unknown_target"
	DropReasonTooManyConnections = "too_many_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend can scrape /metricz (JSON) or
// /metrics (Prometheus text format); in-process this type keeps relay
// enforcement logic testable.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

// IncDrop increments the drop counter for the given reason.
func (m *Metrics) IncDrop(reason string) {
	m.Inc("drops_" + reason)
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
