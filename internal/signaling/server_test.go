package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wavemeet/roomwire/internal/config"
	"github.com/wavemeet/roomwire/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		SignalingWSIdleTimeout:        5 * time.Second,
		SignalingWSPingInterval:       time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
	}
}

func startSignalingServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, log, metrics.New())

	mux := http.NewServeMux()
	srv.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, wsBase, roomID, clientID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsBase+"/signal/"+roomID+"/"+clientID, nil)
	if err != nil {
		t.Fatalf("dial %s/%s: %v", roomID, clientID, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env
}

func writeWire(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestJoinOfferAnswerCandidateRoundTrip(t *testing.T) {
	_, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	if env := readWire(t, alice); env.Type != MessageTypeMembers || len(env.Members) != 0 {
		t.Fatalf("alice roster=%+v, want empty MEMBERS", env)
	}

	bob := dial(t, wsBase, "room1", "bob")
	if env := readWire(t, bob); env.Type != MessageTypeMembers || len(env.Members) != 1 || env.Members[0] != "alice" {
		t.Fatalf("bob roster=%+v, want MEMBERS [alice]", env)
	}

	if env := readWire(t, alice); env.Type != MessageTypeUserJoin || env.SenderID != "bob" {
		t.Fatalf("alice got %+v, want USER_JOIN from bob", env)
	}

	writeWire(t, alice, Envelope{
		Type:     MessageTypeOffer,
		TargetID: "bob",
		Message:  json.RawMessage(`{"type":"offer","sdp":"v=0 alice"}`),
	})
	offer := readWire(t, bob)
	if offer.Type != MessageTypeOffer || offer.SenderID != "alice" {
		t.Fatalf("bob got %+v, want OFFER from alice", offer)
	}
	if !strings.Contains(string(offer.Message), "v=0 alice") {
		t.Fatalf("offer payload=%s, want opaque passthrough", offer.Message)
	}

	writeWire(t, bob, Envelope{
		Type:     MessageTypeAnswer,
		TargetID: "alice",
		Message:  json.RawMessage(`{"type":"answer","sdp":"v=0 bob"}`),
	})
	answer := readWire(t, alice)
	if answer.Type != MessageTypeAnswer || answer.SenderID != "bob" {
		t.Fatalf("alice got %+v, want ANSWER from bob", answer)
	}

	writeWire(t, bob, Envelope{
		Type:      MessageTypeCandidate,
		TargetID:  "alice",
		Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 203.0.113.5 50000 typ host"}`),
	})
	cand := readWire(t, alice)
	if cand.Type != MessageTypeCandidate || cand.SenderID != "bob" {
		t.Fatalf("alice got %+v, want CANDIDATE from bob", cand)
	}
}

func TestExplicitLeaveBroadcastsOnce(t *testing.T) {
	srv, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)
	bob := dial(t, wsBase, "room1", "bob")
	readWire(t, bob)
	readWire(t, alice) // USER_JOIN bob

	writeWire(t, bob, Envelope{Type: MessageTypeLeave})

	leave := readWire(t, alice)
	if leave.Type != MessageTypeLeave || leave.SenderID != "bob" {
		t.Fatalf("alice got %+v, want LEAVE from bob", leave)
	}

	// The server must not send a second LEAVE when bob's connection closes.
	_ = alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := alice.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra frame: %s", data)
	}

	waitForSessions(t, srv, 1)
}

func TestAbruptDisconnectActsAsLeave(t *testing.T) {
	srv, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)
	bob := dial(t, wsBase, "room1", "bob")
	readWire(t, bob)
	readWire(t, alice)

	// Kill the TCP connection with no close handshake.
	bob.UnderlyingConn().Close()

	leave := readWire(t, alice)
	if leave.Type != MessageTypeLeave || leave.SenderID != "bob" {
		t.Fatalf("alice got %+v, want LEAVE from bob", leave)
	}

	waitForSessions(t, srv, 1)
}

func TestDuplicateClientIDRejectedAtHandshake(t *testing.T) {
	_, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	dup := dial(t, wsBase, "room1", "alice")
	_ = dup.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := dup.ReadMessage()
	if err == nil {
		t.Fatalf("expected close for duplicate client id")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestRoomFullRejectedAtHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.RoomCapacity = 1
	_, wsBase := startSignalingServer(t, cfg)

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	bob := dial(t, wsBase, "room1", "bob")
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := bob.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestInvalidIDsRejectedBeforeUpgrade(t *testing.T) {
	_, wsBase := startSignalingServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/signal/room%20one/alice", nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%v, want 400", resp)
	}
}

func TestSenderIDSpoofingClosesConnection(t *testing.T) {
	_, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	writeWire(t, alice, Envelope{
		Type:     MessageTypeOffer,
		SenderID: "mallory",
		TargetID: "bob",
		Message:  json.RawMessage(`{}`),
	})

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestOfferToDepartedPeerIsDropped(t *testing.T) {
	_, wsBase := startSignalingServer(t, testConfig())

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	writeWire(t, alice, Envelope{
		Type:     MessageTypeOffer,
		TargetID: "ghost",
		Message:  json.RawMessage(`{}`),
	})

	// The connection survives; a later valid message still relays.
	bob := dial(t, wsBase, "room1", "bob")
	readWire(t, bob)
	readWire(t, alice)

	writeWire(t, alice, Envelope{
		Type:     MessageTypeOffer,
		TargetID: "bob",
		Message:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	if env := readWire(t, bob); env.Type != MessageTypeOffer {
		t.Fatalf("bob got %+v, want OFFER", env)
	}
}

func TestStatusEndpoint(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(testConfig(), log, metrics.New())

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	resp, err := http.Get(ts.URL + "/signal/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RoomsWithSubscribers != 1 || snap.SubscribedSessions != 1 {
		t.Fatalf("status=%+v, want one room with one member", snap)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessagesPerSecond = 5
	_, wsBase := startSignalingServer(t, cfg)

	alice := dial(t, wsBase, "room1", "alice")
	readWire(t, alice)

	data, _ := json.Marshal(Envelope{
		Type:     MessageTypeOffer,
		TargetID: "ghost",
		Message:  json.RawMessage(`{}`),
	})
	for i := 0; i < 50; i++ {
		// Raw writes so a server-side close mid-burst doesn't fail the test.
		_ = alice.SetWriteDeadline(time.Now().Add(time.Second))
		if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := alice.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return
		}
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func waitForSessions(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Registry().Status().SubscribedSessions == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscribedSessions=%d, want %d", srv.Registry().Status().SubscribedSessions, want)
}
