// roomwire-probe checks whether the configured TURN relay actually relays:
// it connects two local PeerConnections through the relay with host and
// reflexive candidates disabled and prints the outcome as JSON.
//
// Exit status is 0 on relay success, 1 on failure or timeout, 2 on bad
// configuration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wavemeet/roomwire/internal/config"
	"github.com/wavemeet/roomwire/internal/probe"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("ICE server config invalid", "err", err)
		os.Exit(2)
	}

	iceServers := cfg.PeerConnectionICEServers()
	if len(iceServers) == 0 {
		logger.Error("no usable ICE servers configured; the probe needs a TURN server with credentials")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := probe.Run(ctx, probe.Config{
		ICEServers: iceServers,
		Timeout:    cfg.ProbeTimeout,
		Logger:     logger,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	if !result.Success {
		os.Exit(1)
	}
}
