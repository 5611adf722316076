package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wavemeet/roomwire/internal/config"
	"github.com/wavemeet/roomwire/internal/httpserver"
	"github.com/wavemeet/roomwire/internal/metrics"
	"github.com/wavemeet/roomwire/internal/origin"
	"github.com/wavemeet/roomwire/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const maxIDLength = 128

// Server exposes the room signaling endpoint over WebSocket.
//
// Each connection is bound to one (room, client) pair taken from the URL
// path. The connection's read loop is the only goroutine that mutates that
// member's registry state; a separate write pump is the only goroutine that
// writes data frames, so frame order on the wire matches enqueue order.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		registry: NewRegistry(logger, m, cfg.RoomCapacity),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				return true
			}
			normalized, originHost, ok := origin.NormalizeHeader(originHeader)
			return ok && origin.IsAllowed(normalized, originHost, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// Registry exposes the room registry, mainly for the status endpoint and
// tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Register mounts the signaling routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal/status", s.handleStatus)
	mux.HandleFunc("GET /signal/{roomId}/{clientId}", s.handleSignal)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	clientID := r.PathValue("clientId")
	if !validID(roomID) || !validID(clientID) {
		http.Error(w, "invalid room or client id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	member, err := s.registry.Join(roomID, clientID)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomFull):
			writeClose(conn, websocket.ClosePolicyViolation, "room is full")
		case errors.Is(err, ErrDuplicateClient):
			writeClose(conn, websocket.ClosePolicyViolation, "client id already in use")
		default:
			writeClose(conn, websocket.CloseInternalServerErr, "join failed")
		}
		return
	}

	// A closed connection must always release the membership, whatever the
	// exit path. Leave is idempotent, so the explicit LEAVE path below is
	// unaffected.
	defer s.registry.Leave(roomID, clientID, true)

	go s.writePump(conn, member)

	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	rate := int64(s.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}
		if env.SenderID != "" && env.SenderID != clientID {
			s.metrics.Inc(metrics.BadMessage)
			writeClose(conn, websocket.ClosePolicyViolation, "senderId mismatch")
			return
		}

		if env.Type == MessageTypeLeave {
			s.registry.Leave(roomID, clientID, true)
			writeClose(conn, websocket.CloseNormalClosure, "left")
			return
		}

		if err := s.registry.Relay(roomID, clientID, env); err != nil {
			if errors.Is(err, ErrTargetNotFound) {
				// Target raced out of the room; the sender will observe the
				// LEAVE broadcast.
				s.log.Debug("relay target missing", "room", roomID, "from", clientID, "to", env.TargetID, "type", env.Type)
				continue
			}
			writeClose(conn, websocket.ClosePolicyViolation, "not a room member")
			return
		}
	}
}

// writePump drains the member's outbox onto the connection and sends
// keepalive pings. It exits when the member is removed from its room, closing
// the connection to unblock the read loop.
func (s *Server) writePump(conn *websocket.Conn, member *Member) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-member.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		case <-member.Done():
			// Flush anything already queued before tearing down.
			for {
				select {
				case frame := <-member.Outbox():
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						conn.Close()
						return
					}
				default:
					writeClose(conn, websocket.CloseGoingAway, "removed from room")
					conn.Close()
					return
				}
			}
		}
	}
}

func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
