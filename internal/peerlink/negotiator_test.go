package peerlink

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPC(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := NewAPI(APIOptions{}).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func waitStable(t *testing.T, pcs ...*webrtc.PeerConnection) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stable := true
		for _, pc := range pcs {
			if pc.SignalingState() != webrtc.SignalingStateStable || pc.RemoteDescription() == nil {
				stable = false
				break
			}
		}
		if stable {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i, pc := range pcs {
		t.Logf("pc[%d]: state=%v remote=%v", i, pc.SignalingState(), pc.RemoteDescription() != nil)
	}
	t.Fatalf("peers did not reach stable with remote descriptions")
}

// TestOfferAnswerRoundTrip wires two negotiators directly: the impolite side
// adds a data channel, its auto-generated offer flows to the polite side, and
// the answer flows back.
func TestOfferAnswerRoundTrip(t *testing.T) {
	pcA := newPC(t)
	pcB := newPC(t)

	var a, b *Negotiator
	a = New(pcA, Config{
		Polite:        false,
		SendOffer:     func(d webrtc.SessionDescription) error { return b.HandleOffer(d) },
		SendAnswer:    func(d webrtc.SessionDescription) error { return b.HandleAnswer(d) },
		SendCandidate: func(c webrtc.ICECandidateInit) error { return b.HandleCandidate(c) },
		Logger:        testLogger(),
	})
	b = New(pcB, Config{
		Polite:        true,
		SendOffer:     func(d webrtc.SessionDescription) error { return a.HandleOffer(d) },
		SendAnswer:    func(d webrtc.SessionDescription) error { return a.HandleAnswer(d) },
		SendCandidate: func(c webrtc.ICECandidateInit) error { return a.HandleCandidate(c) },
		Logger:        testLogger(),
	})

	if _, err := pcA.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	waitStable(t, pcA, pcB)
}

// TestGlareConvergence has both sides offer at the same time. The impolite
// side must ignore the colliding offer; the polite side must yield its own
// offer, answer, and both sides converge.
func TestGlareConvergence(t *testing.T) {
	pcA := newPC(t)
	pcB := newPC(t)

	offersFromA := make(chan webrtc.SessionDescription, 4)
	offersFromB := make(chan webrtc.SessionDescription, 4)

	var a, b *Negotiator
	a = New(pcA, Config{
		Polite: false,
		SendOffer: func(d webrtc.SessionDescription) error {
			offersFromA <- d
			return nil
		},
		SendAnswer: func(d webrtc.SessionDescription) error { return b.HandleAnswer(d) },
		Logger:     testLogger(),
	})
	b = New(pcB, Config{
		Polite: true,
		SendOffer: func(d webrtc.SessionDescription) error {
			offersFromB <- d
			return nil
		},
		SendAnswer: func(d webrtc.SessionDescription) error { return a.HandleAnswer(d) },
		Logger:     testLogger(),
	})

	if _, err := pcA.CreateDataChannel("a", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	if _, err := pcB.CreateDataChannel("b", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	var offerA, offerB webrtc.SessionDescription
	select {
	case offerA = <-offersFromA:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for offer from a")
	}
	select {
	case offerB = <-offersFromB:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for offer from b")
	}

	// Impolite side sees the colliding offer first and must ignore it: its
	// own offer cycle stays in flight.
	if err := a.HandleOffer(offerB); err != nil {
		t.Fatalf("a.HandleOffer: %v", err)
	}
	a.mu.Lock()
	aPhase, aPending := a.phase, a.pendingOffer != nil
	a.mu.Unlock()
	if aPhase != phaseAwaitingAnswer || !aPending {
		t.Fatalf("a phase=%v pending=%v, want in-flight offer kept (colliding offer ignored)", aPhase, aPending)
	}
	if pcA.RemoteDescription() != nil {
		t.Fatalf("a applied the colliding offer")
	}

	// Polite side yields its in-flight offer and answers; the answer flows
	// back to a, which commits its offer and applies the answer.
	if err := b.HandleOffer(offerA); err != nil {
		t.Fatalf("b.HandleOffer: %v", err)
	}
	b.mu.Lock()
	bPending := b.pendingOffer != nil
	b.mu.Unlock()
	if bPending {
		t.Fatalf("b kept its yielded offer")
	}

	waitStable(t, pcA, pcB)

	// Neither side has an offer cycle left open.
	for name, n := range map[string]*Negotiator{"a": a, "b": b} {
		n.mu.Lock()
		ph := n.phase
		n.mu.Unlock()
		if ph != phaseIdle {
			t.Fatalf("%s phase=%v after convergence, want idle", name, ph)
		}
	}
}

func TestStaleAnswerDropped(t *testing.T) {
	pcA := newPC(t)
	a := New(pcA, Config{Polite: true, Logger: testLogger()})

	err := a.HandleAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	})
	if err != nil {
		t.Fatalf("HandleAnswer: %v, want silent drop", err)
	}
	if got := pcA.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("state=%v, want stable (answer dropped)", got)
	}
}

// TestAnswerToYieldedOfferDropped covers the tail of a glare exchange: the
// polite side yielded its offer and answered the remote one, then the answer
// to the yielded offer arrives late and must not disturb the settled state.
func TestAnswerToYieldedOfferDropped(t *testing.T) {
	pcA := newPC(t)
	pcB := newPC(t)

	offersFromB := make(chan webrtc.SessionDescription, 4)

	var a, b *Negotiator
	a = New(pcA, Config{
		Polite:     false,
		SendOffer:  func(d webrtc.SessionDescription) error { return b.HandleOffer(d) },
		SendAnswer: func(d webrtc.SessionDescription) error { return b.HandleAnswer(d) },
		Logger:     testLogger(),
	})
	b = New(pcB, Config{
		Polite: true,
		SendOffer: func(d webrtc.SessionDescription) error {
			offersFromB <- d
			return nil
		},
		SendAnswer: func(d webrtc.SessionDescription) error { return a.HandleAnswer(d) },
		Logger:     testLogger(),
	})

	if _, err := pcB.CreateDataChannel("b", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	var offerB webrtc.SessionDescription
	select {
	case offerB = <-offersFromB:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for offer from b")
	}

	// The colliding offer from a makes b yield and answer; both settle.
	if _, err := pcA.CreateDataChannel("a", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	waitStable(t, pcA, pcB)

	// A bystander answers b's yielded offer; the late answer must be
	// dropped without touching b's settled session.
	pcC := newPC(t)
	if err := pcC.SetRemoteDescription(offerB); err != nil {
		t.Fatalf("pcC.SetRemoteDescription: %v", err)
	}
	lateAnswer, err := pcC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("pcC.CreateAnswer: %v", err)
	}

	if err := b.HandleAnswer(lateAnswer); err != nil {
		t.Fatalf("HandleAnswer: %v, want silent drop", err)
	}
	if got := pcB.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("b state=%v after late answer, want stable", got)
	}
}

func TestEarlyCandidatesBufferedAndFlushed(t *testing.T) {
	pcA := newPC(t)
	pcB := newPC(t)

	var a, b *Negotiator
	a = New(pcA, Config{
		Polite:     true,
		SendAnswer: func(d webrtc.SessionDescription) error { return b.HandleAnswer(d) },
		Logger:     testLogger(),
	})
	b = New(pcB, Config{
		Polite:    false,
		SendOffer: func(d webrtc.SessionDescription) error { return a.HandleOffer(d) },
		Logger:    testLogger(),
	})

	mid := "0"
	var idx uint16
	early := webrtc.ICECandidateInit{
		Candidate:     "candidate:842163049 1 udp 1677729535 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := a.HandleCandidate(early); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}

	a.mu.Lock()
	buffered := len(a.pendingRemote)
	a.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("buffered=%d, want 1", buffered)
	}

	// The offer from b applies the remote description and flushes the buffer.
	if _, err := pcB.CreateDataChannel("data", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	waitStable(t, pcA, pcB)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		buffered = len(a.pendingRemote)
		a.mu.Unlock()
		if buffered == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("buffered=%d after remote description, want 0", buffered)
}

func TestEarlyCandidateDropPolicy(t *testing.T) {
	pcA := newPC(t)
	a := New(pcA, Config{
		Polite:          true,
		CandidatePolicy: CandidatePolicyDrop,
		Logger:          testLogger(),
	})

	err := a.HandleCandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:842163049 1 udp 1677729535 127.0.0.1 54321 typ host",
	})
	if err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}

	a.mu.Lock()
	buffered := len(a.pendingRemote)
	a.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("buffered=%d, want 0 under drop policy", buffered)
	}
}

func TestCloseIdempotent(t *testing.T) {
	pcA := newPC(t)
	a := New(pcA, Config{Polite: true, Logger: testLogger()})

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := a.StartOffer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartOffer after Close: %v, want ErrClosed", err)
	}
	if err := a.HandleOffer(webrtc.SessionDescription{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleOffer after Close: %v, want ErrClosed", err)
	}
}
