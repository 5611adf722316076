// Package client implements the connecting side of the signaling protocol: a
// session joins a room, maintains one negotiated PeerConnection per remote
// member, and tears everything down on leave.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wavemeet/roomwire/internal/peerlink"
	"github.com/wavemeet/roomwire/internal/signaling"
)

var ErrSessionClosed = errors.New("session is closed")

const (
	writeWait = 2 * time.Second

	// leaveGrace bounds how long Leave waits for the server to acknowledge
	// the close handshake after the LEAVE frame has been flushed.
	leaveGrace = 250 * time.Millisecond
)

// Config describes one client's attachment to a room.
type Config struct {
	// ServerURL is the signaling base, e.g. "ws://host:8080". The room and
	// client path segments are appended.
	ServerURL string

	RoomID string

	// ClientID is optional; a random UUID is generated when empty.
	ClientID string

	ICEServers      []webrtc.ICEServer
	CandidatePolicy peerlink.CandidatePolicy

	// API overrides the pion API, used by tests.
	API *webrtc.API

	// Dialer overrides the WebSocket dialer, used by tests.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// EventKind enumerates session events.
type EventKind int

const (
	// EventPeerJoined fires when a new member arrives in the room.
	EventPeerJoined EventKind = iota
	// EventPeerLeft fires when a member leaves, including implicit leaves.
	EventPeerLeft
	// EventTrackReceived fires when a remote media track starts.
	EventTrackReceived
	// EventClosed fires once when the session has fully torn down.
	EventClosed
)

type Event struct {
	Kind   EventKind
	PeerID string

	// Track and Receiver are set on EventTrackReceived.
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

type peerState struct {
	id  string
	neg *peerlink.Negotiator
}

// Session is one client's live attachment to a room.
//
// All peer map mutation happens on the session's single dispatch goroutine;
// public methods hand work to it and never touch the map directly. Outbound
// WebSocket writes are serialized by writeMu because negotiator callbacks
// fire on pion goroutines.
type Session struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API

	conn    *websocket.Conn
	writeMu sync.Mutex

	actions chan func()
	inbound chan signaling.Envelope
	events  chan Event
	done    chan struct{}

	leaveOnce sync.Once

	// peers and localTracks are owned by the dispatch goroutine.
	peers       map[string]*peerState
	localTracks []webrtc.TrackLocal
}

// Join connects to the signaling server and enters the room. The returned
// session is live: remote offers may arrive before Join's caller runs again.
func Join(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("ServerURL is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("RoomID is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("room", cfg.RoomID, "client", cfg.ClientID)

	api := cfg.API
	if api == nil {
		api = peerlink.NewAPI(peerlink.APIOptions{})
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	u = u.JoinPath("signal", cfg.RoomID, cfg.ClientID)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &Session{
		cfg:     cfg,
		log:     log,
		api:     api,
		conn:    conn,
		actions: make(chan func(), 16),
		inbound: make(chan signaling.Envelope, 16),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		peers:   make(map[string]*peerState),
	}

	go s.readLoop()
	go s.dispatch()

	return s, nil
}

func (s *Session) ClientID() string { return s.cfg.ClientID }
func (s *Session) RoomID() string   { return s.cfg.RoomID }

// Events returns the session's event stream. The channel is closed after
// EventClosed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Peers returns a snapshot of the remote member IDs the session is tracking.
func (s *Session) Peers() []string {
	type reply struct{ ids []string }
	ch := make(chan reply, 1)
	if !s.post(func() {
		ids := make([]string, 0, len(s.peers))
		for id := range s.peers {
			ids = append(ids, id)
		}
		ch <- reply{ids}
	}) {
		return nil
	}
	select {
	case r := <-ch:
		return r.ids
	case <-s.done:
		return nil
	}
}

// PeerConnection returns the live connection for a remote member, or nil if
// the member is unknown.
func (s *Session) PeerConnection(id string) *webrtc.PeerConnection {
	ch := make(chan *webrtc.PeerConnection, 1)
	if !s.post(func() {
		if p, ok := s.peers[id]; ok {
			ch <- p.neg.PeerConnection()
			return
		}
		ch <- nil
	}) {
		return nil
	}
	select {
	case pc := <-ch:
		return pc
	case <-s.done:
		return nil
	}
}

// AddTrack attaches a local media track to every current and future peer.
// Renegotiation with existing peers happens automatically.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	if !s.post(func() {
		s.localTracks = append(s.localTracks, track)
		for _, p := range s.peers {
			if _, err := p.neg.PeerConnection().AddTrack(track); err != nil {
				s.log.Warn("add track to peer failed", "peer", p.id, "err", err)
			}
		}
	}) {
		return ErrSessionClosed
	}
	return nil
}

// Leave departs the room. When notifyPeers is true a LEAVE frame is flushed
// to the server first so other members learn immediately rather than via
// connection teardown. Leave is idempotent; repeat calls are no-ops.
func (s *Session) Leave(notifyPeers bool) {
	s.leaveOnce.Do(func() {
		if notifyPeers {
			if err := s.send(signaling.Envelope{Type: signaling.MessageTypeLeave}); err != nil {
				s.log.Debug("leave frame not sent", "err", err)
			}
		}

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			time.Now().Add(writeWait),
		)
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(leaveGrace):
		}
		_ = s.conn.Close()
	})
	<-s.done
}

// Close is Leave without peer notification, for abrupt teardown paths.
func (s *Session) Close() {
	s.Leave(false)
}

func (s *Session) post(fn func()) bool {
	select {
	case s.actions <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("discarding malformed server frame", "err", err)
			continue
		}
		select {
		case s.inbound <- env:
		case <-s.done:
			return
		}
	}
}

// dispatch is the session's single mutation goroutine.
func (s *Session) dispatch() {
	defer s.teardown()
	for {
		select {
		case env, ok := <-s.inbound:
			if !ok {
				return
			}
			s.handleEnvelope(env)
		case fn := <-s.actions:
			fn()
		}
	}
}

func (s *Session) teardown() {
	for _, p := range s.peers {
		_ = p.neg.Close()
	}
	s.peers = map[string]*peerState{}
	_ = s.conn.Close()
	s.emit(Event{Kind: EventClosed})
	close(s.events)
	close(s.done)
}

func (s *Session) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.MessageTypeMembers:
		// Members already in the room will offer to us; we hold the impolite
		// role toward each of them.
		for _, id := range env.Members {
			if s.ensurePeer(id, false) != nil {
				s.emit(Event{Kind: EventPeerJoined, PeerID: id})
			}
		}

	case signaling.MessageTypeUserJoin:
		// We were here first: polite toward the arrival, and we start the
		// offer.
		p := s.ensurePeer(env.SenderID, true)
		if p == nil {
			return
		}
		s.emit(Event{Kind: EventPeerJoined, PeerID: env.SenderID})
		if err := p.neg.StartOffer(); err != nil {
			s.log.Warn("initial offer failed", "peer", env.SenderID, "err", err)
		}

	case signaling.MessageTypeOffer:
		p := s.ensurePeer(env.SenderID, false)
		if p == nil {
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(env.Message, &desc); err != nil {
			s.log.Warn("malformed offer payload", "peer", env.SenderID, "err", err)
			return
		}
		if err := p.neg.HandleOffer(desc); err != nil {
			s.log.Warn("handle offer failed", "peer", env.SenderID, "err", err)
		}

	case signaling.MessageTypeAnswer:
		p := s.peers[env.SenderID]
		if p == nil {
			s.log.Debug("answer from unknown peer", "peer", env.SenderID)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(env.Message, &desc); err != nil {
			s.log.Warn("malformed answer payload", "peer", env.SenderID, "err", err)
			return
		}
		if err := p.neg.HandleAnswer(desc); err != nil {
			s.log.Warn("handle answer failed", "peer", env.SenderID, "err", err)
		}

	case signaling.MessageTypeCandidate:
		p := s.ensurePeer(env.SenderID, false)
		if p == nil {
			return
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &init); err != nil {
			s.log.Warn("malformed candidate payload", "peer", env.SenderID, "err", err)
			return
		}
		if err := p.neg.HandleCandidate(init); err != nil {
			s.log.Warn("handle candidate failed", "peer", env.SenderID, "err", err)
		}

	case signaling.MessageTypeLeave:
		p := s.peers[env.SenderID]
		if p == nil {
			return
		}
		delete(s.peers, env.SenderID)
		_ = p.neg.Close()
		s.emit(Event{Kind: EventPeerLeft, PeerID: env.SenderID})

	default:
		s.log.Warn("unexpected server frame", "type", env.Type)
	}
}

// ensurePeer returns the peer state for id, creating the PeerConnection and
// negotiator on first contact. polite only applies at creation; an existing
// peer keeps its role.
func (s *Session) ensurePeer(id string, polite bool) *peerState {
	if id == "" || id == s.cfg.ClientID {
		return nil
	}
	if p, ok := s.peers[id]; ok {
		return p
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		s.log.Error("create peer connection failed", "peer", id, "err", err)
		return nil
	}

	peerID := id
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.emit(Event{Kind: EventTrackReceived, PeerID: peerID, Track: track, Receiver: receiver})
	})

	neg := peerlink.New(pc, peerlink.Config{
		Polite:          polite,
		CandidatePolicy: s.cfg.CandidatePolicy,
		SendOffer: func(d webrtc.SessionDescription) error {
			return s.sendPayload(signaling.MessageTypeOffer, peerID, d)
		},
		SendAnswer: func(d webrtc.SessionDescription) error {
			return s.sendPayload(signaling.MessageTypeAnswer, peerID, d)
		},
		SendCandidate: func(c webrtc.ICECandidateInit) error {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			return s.send(signaling.Envelope{
				Type:      signaling.MessageTypeCandidate,
				TargetID:  peerID,
				Candidate: raw,
			})
		},
		Logger: s.log.With("peer", peerID),
	})

	p := &peerState{id: id, neg: neg}
	s.peers[id] = p

	// The offering side opens a control channel so the first offer always
	// carries a media section; the other side receives it in-band.
	if polite {
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			s.log.Warn("create control channel failed", "peer", id, "err", err)
		}
	}

	for _, track := range s.localTracks {
		if _, err := pc.AddTrack(track); err != nil {
			s.log.Warn("add local track failed", "peer", id, "err", err)
		}
	}

	return p
}

func (s *Session) sendPayload(msgType signaling.MessageType, target string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return s.send(signaling.Envelope{
		Type:     msgType,
		TargetID: target,
		Message:  raw,
	})
}

func (s *Session) send(env signaling.Envelope) error {
	env.SenderID = s.cfg.ClientID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling frame: %w", err)
	}
	return nil
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// An unconsumed event stream must not stall signaling.
		s.log.Debug("dropping event", "kind", ev.Kind, "peer", ev.PeerID)
	}
}
