package metrics

import "sync"

// Counter names used across the signaling server. Names are intentionally
// simple; they are exported verbatim through the Prometheus text endpoint.
const (
	RoomCreated        = "room_created"
	RoomDeleted        = "room_deleted"
	RoomFull           = "room_full"
	DuplicateClient    = "duplicate_client"
	MemberJoined       = "member_joined"
	MemberLeft         = "member_left"
	RelayDelivered     = "relay_delivered"
	RelayTargetMissing = "relay_target_missing"
	RelaySenderUnknown = "relay_sender_unknown"

	DropReasonRateLimited = "rate_limited"
	BadMessage            = "bad_message"
	SlowConsumerClosed    = "slow_consumer_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment is expected to scrape these through the /metrics endpoint;
// keeping the registry in-process makes enforcement logic directly testable.
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
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
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
