package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/wavemeet/roomwire/internal/metrics"
)

var (
	ErrRoomFull        = errors.New("room is full")
	ErrDuplicateClient = errors.New("client id already present in room")
	ErrNotMember       = errors.New("client is not a member of the room")
	ErrTargetNotFound  = errors.New("target client not found in room")
)

// memberSendQueueSize bounds the per-member outbound queue. A member that
// cannot drain this many frames is a stalled consumer and gets evicted rather
// than stalling the room.
const memberSendQueueSize = 32

// Registry tracks rooms and their members and relays signaling envelopes
// between them.
//
// All room mutation is serialized per room, so observers agree on membership
// order: a USER_JOIN broadcast for a new member is enqueued to every existing
// member exactly once, before any message the new member sends.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	capacity int

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates an empty registry. capacity caps members per room;
// 0 means unlimited.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics, capacity int) *Registry {
	return &Registry{
		log:      logger,
		metrics:  m,
		capacity: capacity,
		rooms:    make(map[string]*room),
	}
}

type room struct {
	id string

	mu      sync.Mutex
	members map[string]*Member

	// closed is set when the empty room is removed from the registry. A Join
	// that raced the removal must retry against a fresh room.
	closed bool
}

// Member is one client's presence in a room. The transport layer drains
// Outbox until Done is closed.
type Member struct {
	RoomID string
	ID     string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Outbox returns the member's outbound frame queue.
func (m *Member) Outbox() <-chan []byte {
	return m.send
}

// Done is closed when the member has been removed from its room.
func (m *Member) Done() <-chan struct{} {
	return m.done
}

func (m *Member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// enqueue queues a frame without blocking. It returns false when the member
// is gone or its queue is full.
func (m *Member) enqueue(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- frame:
		return true
	default:
		return false
	}
}

// Join adds clientID to roomID, creating the room on first join.
//
// On success the new member receives a MEMBERS roster and every existing
// member receives a single USER_JOIN for the arrival.
func (r *Registry) Join(roomID, clientID string) (*Member, error) {
	var rm *room
	for {
		r.mu.Lock()
		existing, ok := r.rooms[roomID]
		if !ok {
			existing = &room{id: roomID, members: make(map[string]*Member)}
			r.rooms[roomID] = existing
			r.metrics.Inc(metrics.RoomCreated)
			r.log.Info("room created", "room", roomID)
		}
		r.mu.Unlock()

		existing.mu.Lock()
		if existing.closed {
			// Lost a race with empty-room removal; the registry no longer
			// holds this room, so take another pass.
			existing.mu.Unlock()
			continue
		}
		rm = existing
		break
	}
	defer rm.mu.Unlock()

	if _, exists := rm.members[clientID]; exists {
		r.metrics.Inc(metrics.DuplicateClient)
		return nil, ErrDuplicateClient
	}
	if r.capacity > 0 && len(rm.members) >= r.capacity {
		r.metrics.Inc(metrics.RoomFull)
		return nil, ErrRoomFull
	}

	member := &Member{
		RoomID: roomID,
		ID:     clientID,
		send:   make(chan []byte, memberSendQueueSize),
		done:   make(chan struct{}),
	}

	roster := make([]string, 0, len(rm.members))
	for id := range rm.members {
		roster = append(roster, id)
	}

	rm.members[clientID] = member
	r.metrics.Inc(metrics.MemberJoined)

	joinFrame := mustMarshal(Envelope{
		Type:     MessageTypeUserJoin,
		SenderID: clientID,
	})
	var departed []string
	for id, peer := range rm.members {
		if id == clientID {
			continue
		}
		if !r.deliverLocked(rm, peer, joinFrame) {
			departed = append(departed, peer.ID)
		}
	}

	r.deliverLocked(rm, member, mustMarshal(Envelope{
		Type:     MessageTypeMembers,
		TargetID: clientID,
		Members:  roster,
	}))
	r.announceDeparturesLocked(rm, departed)

	r.log.Info("member joined", "room", roomID, "client", clientID, "members", len(rm.members))
	return member, nil
}

// Relay stamps env.SenderID with senderID and delivers the envelope: to
// env.TargetID when set, otherwise to every other member of the room.
func (r *Registry) Relay(roomID, senderID string, env Envelope) error {
	rm := r.room(roomID)
	if rm == nil {
		r.metrics.Inc(metrics.RelaySenderUnknown)
		return ErrNotMember
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[senderID]; !ok {
		r.metrics.Inc(metrics.RelaySenderUnknown)
		return ErrNotMember
	}

	env.SenderID = senderID
	frame := mustMarshal(env)

	if !env.Broadcast() {
		target, ok := rm.members[env.TargetID]
		if !ok {
			r.metrics.Inc(metrics.RelayTargetMissing)
			return ErrTargetNotFound
		}
		if !r.deliverLocked(rm, target, frame) {
			r.announceDeparturesLocked(rm, []string{target.ID})
			r.metrics.Inc(metrics.RelayTargetMissing)
			return ErrTargetNotFound
		}
		r.metrics.Inc(metrics.RelayDelivered)
		return nil
	}

	var departed []string
	for id, peer := range rm.members {
		if id == senderID {
			continue
		}
		if !r.deliverLocked(rm, peer, frame) {
			departed = append(departed, peer.ID)
		}
	}
	r.announceDeparturesLocked(rm, departed)
	r.metrics.Inc(metrics.RelayDelivered)
	return nil
}

// Leave removes clientID from roomID. It is idempotent: removing an absent
// member is a no-op and returns false. When notifyPeers is true the remaining
// members receive a single LEAVE for the departure.
func (r *Registry) Leave(roomID, clientID string, notifyPeers bool) bool {
	rm := r.room(roomID)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	member, ok := rm.members[clientID]
	if !ok {
		rm.mu.Unlock()
		return false
	}
	delete(rm.members, clientID)
	member.close()
	r.metrics.Inc(metrics.MemberLeft)

	if notifyPeers && len(rm.members) > 0 {
		r.announceDeparturesLocked(rm, []string{clientID})
	}

	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: a concurrent Join may have revived
		// the room between the two critical sections.
		rm.mu.Lock()
		if len(rm.members) == 0 && r.rooms[roomID] == rm {
			rm.closed = true
			delete(r.rooms, roomID)
			r.metrics.Inc(metrics.RoomDeleted)
			r.log.Info("room deleted", "room", roomID)
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}

	r.log.Info("member left", "room", roomID, "client", clientID, "notified", notifyPeers)
	return true
}

// deliverLocked enqueues a frame to a member; the caller holds the room lock.
// A member whose queue is full is evicted and removed from the room; it
// returns false so the caller can announce the departure (the transport
// notices Done and tears down the socket, but by then the membership is
// already gone, so the LEAVE broadcast must happen here in the registry).
func (r *Registry) deliverLocked(rm *room, member *Member, frame []byte) bool {
	if member.enqueue(frame) {
		return true
	}
	select {
	case <-member.done:
		return false
	default:
	}
	r.metrics.Inc(metrics.SlowConsumerClosed)
	r.log.Warn("evicting slow consumer", "room", rm.id, "client", member.ID)
	delete(rm.members, member.ID)
	member.close()
	return false
}

// announceDeparturesLocked broadcasts LEAVE for each departed member to the
// room's survivors. A broadcast can itself evict further stalled consumers,
// so departures are processed as a queue; it drains because every eviction
// shrinks the membership.
func (r *Registry) announceDeparturesLocked(rm *room, departed []string) {
	for len(departed) > 0 {
		id := departed[0]
		departed = departed[1:]

		frame := mustMarshal(Envelope{
			Type:     MessageTypeLeave,
			SenderID: id,
		})
		for _, peer := range rm.members {
			if !r.deliverLocked(rm, peer, frame) {
				departed = append(departed, peer.ID)
			}
		}
	}
}

// Close tears down every room. Members see their Done channel close and the
// transport layer finishes with a going-away close frame. Further Joins land
// in fresh rooms, so Close is only meant for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	for id, rm := range rooms {
		rm.mu.Lock()
		rm.closed = true
		for _, member := range rm.members {
			member.close()
		}
		n := len(rm.members)
		rm.members = make(map[string]*Member)
		rm.mu.Unlock()
		if n > 0 {
			r.log.Info("room closed", "room", id, "members", n)
		}
	}
}

func (r *Registry) room(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// StatusSnapshot is the JSON shape returned by the status endpoint.
type StatusSnapshot struct {
	ActiveConnections    int `json:"activeConnections"`
	SubscribedSessions   int `json:"subscribedSessions"`
	RoomsWithSubscribers int `json:"roomsWithSubscribers"`
	TotalSubscriptions   int `json:"totalSubscriptions"`
}

// Status reports current room/member occupancy.
func (r *Registry) Status() StatusSnapshot {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	var snap StatusSnapshot
	for _, rm := range rooms {
		rm.mu.Lock()
		n := len(rm.members)
		rm.mu.Unlock()
		if n == 0 {
			continue
		}
		snap.RoomsWithSubscribers++
		snap.SubscribedSessions += n
		snap.TotalSubscriptions += n
	}
	snap.ActiveConnections = snap.SubscribedSessions
	return snap
}

func mustMarshal(env Envelope) []byte {
	frame, err := json.Marshal(env)
	if err != nil {
		// Envelope contains only marshalable fields.
		panic(err)
	}
	return frame
}
