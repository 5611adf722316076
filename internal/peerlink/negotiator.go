package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("negotiator is closed")

// CandidatePolicy controls what happens to remote ICE candidates that arrive
// before the remote description has been applied.
type CandidatePolicy int

const (
	// CandidatePolicyBuffer queues early candidates and flushes them once the
	// remote description lands.
	CandidatePolicyBuffer CandidatePolicy = iota

	// CandidatePolicyDrop discards early candidates. ICE usually recovers via
	// later candidates or consent checks, at the cost of slower connection
	// setup.
	CandidatePolicyDrop
)

// phase tracks where this side is in its own offer cycle. It splits the
// classic makingOffer flag in two so an in-flight offer keeps counting as a
// collision from CreateOffer until the answer arrives.
type phase int

const (
	phaseIdle phase = iota
	phaseMakingOffer
	phaseAwaitingAnswer
)

// Config wires a Negotiator to its signaling channel.
//
// Exactly one side of each pair must be polite. The Send callbacks are
// invoked without internal locks held and may call back into the peer's
// negotiator synchronously.
type Config struct {
	Polite          bool
	CandidatePolicy CandidatePolicy

	SendOffer     func(webrtc.SessionDescription) error
	SendAnswer    func(webrtc.SessionDescription) error
	SendCandidate func(webrtc.ICECandidateInit) error

	Logger *slog.Logger
}

// Negotiator drives perfect negotiation for a single PeerConnection: both
// sides may start offers at any time and the polite/impolite role split
// resolves glare deterministically.
//
// The impolite side ignores a colliding incoming offer entirely; the polite
// side yields its own in-flight offer and answers the remote one. Answers
// that arrive when no offer is outstanding are stale and silently dropped.
//
// A local offer is held uncommitted until its answer arrives: the
// SetLocalDescription state machine has no rollback transition out of
// have-local-offer, so yielding must be a pure bookkeeping change. The
// signaling state stays stable while the offer is in flight; the phase field
// is what makes the in-flight offer count as a collision. If yielding leaves
// local changes unnegotiated, OnNegotiationNeeded fires again once the remote
// offer cycle completes.
type Negotiator struct {
	cfg Config
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu            sync.Mutex
	phase         phase
	pendingOffer  *webrtc.SessionDescription
	pendingRemote []webrtc.ICECandidateInit
	closed        bool

	closeOnce sync.Once
}

// New wraps pc. The negotiator takes over OnICECandidate and
// OnNegotiationNeeded; callers must not reset those handlers.
func New(pc *webrtc.PeerConnection, cfg Config) *Negotiator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	n := &Negotiator{
		cfg: cfg,
		pc:  pc,
		log: log,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if cfg.SendCandidate == nil {
			return
		}
		if err := cfg.SendCandidate(c.ToJSON()); err != nil {
			n.log.Warn("send candidate failed", "err", err)
		}
	})

	pc.OnNegotiationNeeded(func() {
		if err := n.StartOffer(); err != nil && !errors.Is(err, ErrClosed) {
			n.log.Warn("negotiation needed offer failed", "err", err)
		}
	})

	return n
}

// PeerConnection returns the wrapped connection.
func (n *Negotiator) PeerConnection() *webrtc.PeerConnection {
	return n.pc
}

// Polite reports this side's role.
func (n *Negotiator) Polite() bool {
	return n.cfg.Polite
}

// StartOffer creates a local offer and hands it to SendOffer. The offer is
// only committed to the PeerConnection when the answer arrives, so a polite
// side that loses a glare race can still yield. A cycle already in flight is
// left alone.
func (n *Negotiator) StartOffer() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.phase != phaseIdle {
		n.mu.Unlock()
		return nil
	}
	n.phase = phaseMakingOffer

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.phase = phaseIdle
		n.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	n.pendingOffer = &offer
	n.phase = phaseAwaitingAnswer
	n.mu.Unlock()

	if n.cfg.SendOffer == nil {
		return nil
	}
	return n.cfg.SendOffer(offer)
}

// HandleOffer applies a remote offer, resolving glare by role, and sends the
// answer.
func (n *Negotiator) HandleOffer(offer webrtc.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}

	collision := n.phase != phaseIdle || n.pc.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !n.cfg.Polite {
			n.mu.Unlock()
			n.log.Debug("ignoring colliding offer")
			return nil
		}
		// The in-flight offer was never committed, so yielding is just
		// dropping it. Whoever answered it will have that answer discarded
		// as stale.
		n.log.Debug("yielding in-flight offer to colliding remote offer")
		n.pendingOffer = nil
		n.phase = phaseIdle
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushPendingLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set local answer: %w", err)
	}
	desc := *n.pc.LocalDescription()
	n.mu.Unlock()

	if n.cfg.SendAnswer == nil {
		return nil
	}
	return n.cfg.SendAnswer(desc)
}

// HandleAnswer completes this side's offer cycle: the in-flight offer is
// committed locally and the answer applied on top. An answer with no offer
// outstanding is stale (e.g. the polite peer answered an offer we yielded)
// and is dropped without error.
func (n *Negotiator) HandleAnswer(answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	if n.phase != phaseAwaitingAnswer || n.pendingOffer == nil {
		n.log.Debug("dropping stale answer", "phase", n.phase)
		return nil
	}

	offer := *n.pendingOffer
	n.pendingOffer = nil
	n.phase = phaseIdle

	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushPendingLocked()
	return nil
}

// HandleCandidate feeds a remote ICE candidate to the connection, buffering
// or dropping it per policy while the remote description is still pending.
func (n *Negotiator) HandleCandidate(init webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	if n.pc.RemoteDescription() == nil {
		if n.cfg.CandidatePolicy == CandidatePolicyDrop {
			n.log.Debug("dropping early candidate")
			return nil
		}
		n.pendingRemote = append(n.pendingRemote, init)
		return nil
	}

	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) flushPendingLocked() {
	for _, init := range n.pendingRemote {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.log.Warn("flush buffered candidate failed", "err", err)
		}
	}
	n.pendingRemote = nil
}

// Close tears down the PeerConnection. It is idempotent.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.pendingOffer = nil
		n.pendingRemote = nil
		n.mu.Unlock()
		err = n.pc.Close()
	})
	return err
}
