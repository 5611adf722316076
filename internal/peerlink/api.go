package peerlink

import (
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions configures the shared pion API used to construct
// PeerConnections.
type APIOptions struct {
	// LoggerFactory routes pion's internal logging. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory

	// Net overrides the network stack, used by tests to run ICE over a
	// virtual network.
	Net transport.Net
}

// NewAPI builds a webrtc.API with the given options applied to its
// SettingEngine.
func NewAPI(opts APIOptions) *webrtc.API {
	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
