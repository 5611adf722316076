// Package probe verifies TURN relay connectivity by connecting two local
// PeerConnections to each other through the configured relay, with host and
// reflexive candidates disabled. If the pair connects, the relay works end to
// end: allocation, permissions, and data path.
package probe

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wavemeet/roomwire/internal/peerlink"
)

type Config struct {
	// ICEServers must include at least one TURN server with credentials.
	ICEServers []webrtc.ICEServer

	// Timeout bounds the whole probe. Zero means DefaultTimeout.
	Timeout time.Duration

	// API overrides the pion API, used by tests to probe over a virtual
	// network.
	API *webrtc.API

	Logger *slog.Logger
}

const DefaultTimeout = 10 * time.Second

// Result is the JSON-friendly outcome of one probe run.
type Result struct {
	Success             bool   `json:"success"`
	RelayCandidateCount int    `json:"relayCandidateCount"`
	ElapsedMs           int64  `json:"elapsedMs"`
	TimedOut            bool   `json:"timedOut"`
	Error               string `json:"error,omitempty"`
}

// Run executes the probe. It always tears down both PeerConnections before
// returning, whatever the outcome.
func Run(ctx context.Context, cfg Config) Result {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	api := cfg.API
	if api == nil {
		api = peerlink.NewAPI(peerlink.APIOptions{})
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := func(success bool, errMsg string, relayCount int64) Result {
		return Result{
			Success:             success,
			RelayCandidateCount: int(relayCount),
			ElapsedMs:           time.Since(start).Milliseconds(),
			TimedOut:            !success && ctx.Err() != nil,
			Error:               errMsg,
		}
	}

	pcCfg := webrtc.Configuration{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
	}

	offerer, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return result(false, "create offerer: "+err.Error(), 0)
	}
	defer offerer.Close()

	answerer, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return result(false, "create answerer: "+err.Error(), 0)
	}
	defer answerer.Close()

	var relayCandidates atomic.Int64
	countRelay := func(init webrtc.ICECandidateInit) {
		// Candidate attribute format per RFC 8839: "... typ relay ...".
		if strings.Contains(init.Candidate, " typ relay") {
			relayCandidates.Add(1)
		}
	}

	connected := make(chan struct{}, 2)
	watch := func(pc *webrtc.PeerConnection) {
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Debug("probe connection state", "state", state.String())
			if state == webrtc.PeerConnectionStateConnected {
				connected <- struct{}{}
			}
		})
	}
	watch(offerer)
	watch(answerer)

	var offerSide, answerSide *peerlink.Negotiator
	offerSide = peerlink.New(offerer, peerlink.Config{
		Polite: false,
		SendOffer: func(d webrtc.SessionDescription) error {
			return answerSide.HandleOffer(d)
		},
		SendCandidate: func(c webrtc.ICECandidateInit) error {
			countRelay(c)
			return answerSide.HandleCandidate(c)
		},
		Logger: log,
	})
	answerSide = peerlink.New(answerer, peerlink.Config{
		Polite: true,
		SendAnswer: func(d webrtc.SessionDescription) error {
			return offerSide.HandleAnswer(d)
		},
		SendCandidate: func(c webrtc.ICECandidateInit) error {
			countRelay(c)
			return offerSide.HandleCandidate(c)
		},
		Logger: log,
	})
	defer offerSide.Close()
	defer answerSide.Close()

	// Adding the data channel fires negotiation on the offerer.
	if _, err := offerer.CreateDataChannel("probe", nil); err != nil {
		return result(false, "create data channel: "+err.Error(), relayCandidates.Load())
	}

	for connectedSides := 0; connectedSides < 2; {
		select {
		case <-connected:
			connectedSides++
		case <-ctx.Done():
			return result(false, "", relayCandidates.Load())
		}
	}

	return result(true, "", relayCandidates.Load())
}
