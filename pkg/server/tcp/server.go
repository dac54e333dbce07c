// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mtunnel/pkg/balancer"
	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/relay"
	"github.com/absmach/mtunnel/pkg/sockopt"
	"github.com/absmach/mtunnel/pkg/transport"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// DefaultAcceptBackoff is the pause after a failed accept.
const DefaultAcceptBackoff = time.Second

// Config holds the TCP tunnel server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Target is the forward address every tunnel connects to
	Target transport.Address

	// Sockopts is applied to every accepted connection, best effort
	Sockopts sockopt.Options

	// AcceptBackoff is the pause after a failed accept before accepting again
	AcceptBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for active tunnels to drain
	// during graceful shutdown. After this timeout, remaining tunnels are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Relay configures the duplex relay engine
	Relay relay.Config

	// Metrics is optional
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts client connections and tunnels each one to the target
// through an upstream server.
type Server struct {
	config  Config
	picker  balancer.Picker
	opener  transport.Opener
	handler handler.Handler
	relay   *relay.Engine
	wg      sync.WaitGroup
}

// New creates a new TCP tunnel server. A nil handler accepts every tunnel.
func New(cfg Config, p balancer.Picker, o transport.Opener, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AcceptBackoff == 0 {
		cfg.AcceptBackoff = DefaultAcceptBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Relay.Logger == nil {
		cfg.Relay.Logger = cfg.Logger
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		picker:  p,
		opener:  o,
		handler: h,
		relay:   relay.New(cfg.Relay),
	}
}

// Listen binds the configured address and serves tunnels until the context
// is cancelled. A bind failure is returned immediately.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		s.config.Logger.Error("failed to listen",
			slog.String("address", s.config.Address),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context is cancelled.
// Accept failures never stop the loop: each one is followed by a single
// AcceptBackoff pause. Serve closes the listener on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.config.Logger.Info("TCP tunnel listening",
		slog.String("address", listener.Addr().String()),
		slog.String("forward", s.config.Target.String()))

	// Tunnels get their own context so that shutdown can drain them before
	// forcing them closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all tunnels closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing tunnel closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.config.Logger.Error("accept failed", slog.String("error", err.Error()))
			if s.config.Metrics != nil {
				s.config.Metrics.AcceptErrors.Inc()
			}
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		up := s.picker.PickServer()

		s.config.Logger.Log(ctx, relay.LevelTrace, "got connection",
			slog.String("client", conn.RemoteAddr().String()))
		s.config.Logger.Log(ctx, relay.LevelTrace, "picked proxy server",
			slog.String("server", up.Name()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(connCtx, conn, up); err != nil {
				s.config.Logger.Debug("TCP tunnel client exited with error",
					slog.String("client", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// backoff pauses for AcceptBackoff. It returns false if ctx ended first.
func (s *Server) backoff(ctx context.Context) bool {
	timer := time.NewTimer(s.config.AcceptBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// handleConn runs the whole life of one tunnel: admission, establishment,
// relay and teardown. It owns conn and closes it on return.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, up balancer.Upstream) (err error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Target:     s.config.Target.String(),
		Server:     up.Name(),
		Protocol:   "tcp",
		AcceptedAt: time.Now(),
	}

	defer func() {
		if herr := s.handler.OnClose(ctx, hctx, err); herr != nil {
			s.config.Logger.Error("close handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", herr.Error()))
		}
	}()

	s.observe(hctx.Server, func() string {
		if aerr := s.handler.OnAccept(ctx, hctx); aerr != nil {
			err = merrors.New("accept", hctx.SessionID, hctx.RemoteAddr, hctx.Target,
				fmt.Errorf("%w: %w", merrors.ErrRejected, aerr))
			return metrics.StatusRejected
		}
		if err = s.establish(ctx, conn, hctx, up); err != nil {
			return metrics.StatusFailed
		}
		return metrics.StatusClosed
	})

	return err
}

func (s *Server) observe(server string, f func() string) {
	if s.config.Metrics == nil {
		f()
		return
	}
	s.config.Metrics.ObserveTunnel(server, f)
}

// establish tunes the client socket, opens the upstream tunnel and relays
// until either side is done.
func (s *Server) establish(ctx context.Context, conn net.Conn, hctx *handler.Context, up balancer.Upstream) error {
	if err := s.config.Sockopts.Apply(conn); err != nil {
		s.config.Logger.Error("failed to set socket options on accepted connection",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
		if s.config.Metrics != nil {
			s.config.Metrics.SockoptErrors.Inc()
		}
	}

	upstream, err := s.opener.ConnectProxied(ctx, up.Config(), s.config.Target)
	if err != nil {
		if s.config.Metrics != nil {
			s.config.Metrics.EstablishErrors.WithLabelValues(hctx.Server).Inc()
		}
		return merrors.New("establish", hctx.SessionID, hctx.RemoteAddr, hctx.Target, err)
	}
	stop := context.AfterFunc(ctx, func() { upstream.Close() })
	defer stop()

	if err := s.handler.OnEstablish(ctx, hctx); err != nil {
		s.config.Logger.Error("establish handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	out := s.relay.Relay(ctx, conn, upstream,
		relay.WithAttrs(
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("target", hctx.Target),
			slog.String("server", hctx.Server)),
		relay.WithStateFunc(func(st relay.State) { hctx.State = st }))
	hctx.Outcome = &out

	if s.config.Metrics != nil {
		s.config.Metrics.TunnelTerminations.WithLabelValues(out.Direction.String(), out.Termination.String()).Inc()
		s.config.Metrics.BytesRelayed.WithLabelValues(out.Direction.String()).Add(float64(out.Bytes))
	}

	return nil
}
