// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/mtunnel/pkg/balancer"
	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/relay"
	"github.com/absmach/mtunnel/pkg/server/tcp"
	"github.com/absmach/mtunnel/pkg/sockopt"
	"github.com/absmach/mtunnel/pkg/transport"
)

// TunnelConfig holds the resolved configuration of a TCP tunnel.
type TunnelConfig struct {
	LocalAddr       string
	ForwardAddr     string
	EnableTCP       bool
	Sockopts        sockopt.Options
	AcceptBackoff   time.Duration
	ShutdownTimeout time.Duration
	Relay           relay.Config
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// TunnelProxy coordinates the TCP server with its upstream collaborators.
type TunnelProxy struct {
	server *tcp.Server
}

// Validate checks cfg in startup order: TCP mode, local address, forward
// address. It returns the parsed forward target.
func (cfg TunnelConfig) Validate() (transport.Address, error) {
	if !cfg.EnableTCP {
		return nil, merrors.ErrTCPDisabled
	}
	if cfg.LocalAddr == "" {
		return nil, merrors.ErrMissingLocal
	}
	if cfg.ForwardAddr == "" {
		return nil, merrors.ErrMissingForward
	}
	return transport.ParseAddress(cfg.ForwardAddr)
}

// NewTunnel validates cfg and creates a tunnel. Nothing is bound until
// Listen.
func NewTunnel(cfg TunnelConfig, p balancer.Picker, o transport.Opener, h handler.Handler) (*TunnelProxy, error) {
	target, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	server := tcp.New(tcp.Config{
		Address:         cfg.LocalAddr,
		Target:          target,
		Sockopts:        cfg.Sockopts,
		AcceptBackoff:   cfg.AcceptBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Relay:           cfg.Relay,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
	}, p, o, h)

	return &TunnelProxy{
		server: server,
	}, nil
}

// Listen starts the tunnel and blocks until context is cancelled. A bind
// failure is returned immediately.
func (p *TunnelProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}
