// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package balancer selects the upstream server for each tunnel.
//
// Servers are picked round-robin among those whose circuit breaker lets
// traffic through. A background probe loop connects to every server on an
// interval and feeds its breaker, so picking a server never performs I/O
// and connection goroutines never mutate balancer state.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/absmach/mtunnel/pkg/breaker"
	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/transport"
	"gopkg.in/yaml.v3"
)

// ErrNoHealthyServer is reported by Check when every breaker is open.
var ErrNoHealthyServer = errors.New("no healthy upstream server")

// Upstream is a handle to a selected upstream server.
type Upstream interface {
	// Name identifies the server in logs and metrics.
	Name() string

	// Config returns a copy of the server configuration.
	Config() transport.ServerConfig
}

// Picker selects an upstream server. PickServer must not block.
type Picker interface {
	PickServer() Upstream
}

// ProbeFunc checks whether a server is reachable.
type ProbeFunc func(ctx context.Context, srv transport.ServerConfig) error

// Config holds the balancer configuration.
type Config struct {
	// Servers are the upstream servers to balance over.
	Servers []transport.ServerConfig

	// ProbeInterval is the delay between two probe rounds.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// Breaker configures the per-server circuit breakers.
	Breaker breaker.Config

	// Probe defaults to a TCP connect to the server address.
	Probe ProbeFunc

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for balancer events
	Logger *slog.Logger
}

// Server is an upstream server with its health state.
type Server struct {
	config  transport.ServerConfig
	breaker *breaker.CircuitBreaker
	latency atomic.Int64 // last successful probe, in nanoseconds
}

var _ Upstream = (*Server)(nil)

// Name implements Upstream.
func (s *Server) Name() string {
	return s.config.String()
}

// Config implements Upstream.
func (s *Server) Config() transport.ServerConfig {
	return s.config
}

// Healthy reports whether the server currently accepts traffic.
func (s *Server) Healthy() bool {
	return s.breaker.Ready()
}

// Balancer picks upstream servers round-robin, skipping unhealthy ones.
type Balancer struct {
	config  Config
	servers []*Server
	next    atomic.Uint64
}

var _ Picker = (*Balancer)(nil)

// New creates a balancer over cfg.Servers.
func New(cfg Config) (*Balancer, error) {
	if len(cfg.Servers) == 0 {
		return nil, merrors.ErrNoServers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Probe == nil {
		cfg.Probe = dialProbe
	}

	b := &Balancer{config: cfg}
	for _, sc := range cfg.Servers {
		if sc.Address == "" {
			return nil, fmt.Errorf("server %q: missing address", sc.Name)
		}
		if err := transport.ValidateMethod(sc.Method); err != nil {
			return nil, fmt.Errorf("server %s: %w", sc, err)
		}

		srv := &Server{
			config:  sc,
			breaker: breaker.New(cfg.Breaker),
		}
		b.watch(srv)
		b.servers = append(b.servers, srv)
	}

	return b, nil
}

func (b *Balancer) watch(srv *Server) {
	name := srv.Name()
	srv.breaker.OnStateChange(func(from, to breaker.State) {
		b.config.Logger.Warn("upstream server state changed",
			slog.String("server", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if b.config.Metrics != nil {
			b.config.Metrics.UpstreamState.WithLabelValues(name).Set(float64(to))
			if to == breaker.StateOpen {
				b.config.Metrics.BreakerTrips.WithLabelValues(name).Inc()
			}
		}
	})
}

// PickServer returns the next healthy server, or the next server at all
// when none is healthy.
func (b *Balancer) PickServer() Upstream {
	n := uint64(len(b.servers))
	start := b.next.Add(1) - 1

	for i := uint64(0); i < n; i++ {
		srv := b.servers[(start+i)%n]
		if srv.Healthy() {
			return srv
		}
	}
	return b.servers[start%n]
}

// Run probes every server until ctx is done.
func (b *Balancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.ProbeInterval)
	defer ticker.Stop()

	for {
		b.ProbeAll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProbeAll runs one probe round.
func (b *Balancer) ProbeAll(ctx context.Context) {
	for _, srv := range b.servers {
		b.probe(ctx, srv)
	}
}

func (b *Balancer) probe(ctx context.Context, srv *Server) {
	ctx, cancel := context.WithTimeout(ctx, b.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := srv.breaker.Call(func() error {
		return b.config.Probe(ctx, srv.config)
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return
	case err != nil:
		snap := srv.breaker.Snapshot()
		b.config.Logger.Debug("upstream probe failed",
			slog.String("server", srv.Name()),
			slog.String("state", snap.State.String()),
			slog.Int("failures", snap.Failures),
			slog.String("error", err.Error()))
		return
	}

	srv.latency.Store(int64(elapsed))
	if b.config.Metrics != nil {
		b.config.Metrics.ProbeDuration.WithLabelValues(srv.Name()).Observe(elapsed.Seconds())
	}
}

// Check is a health check that fails when no server accepts traffic.
func (b *Balancer) Check(ctx context.Context) error {
	for _, srv := range b.servers {
		if srv.Healthy() {
			return nil
		}
	}
	return ErrNoHealthyServer
}

func dialProbe(ctx context.Context, srv transport.ServerConfig) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", srv.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

type serversFile struct {
	Servers []transport.ServerConfig `yaml:"servers"`
}

// LoadServers reads upstream servers from a YAML file:
//
//	servers:
//	  - name: eu-1
//	    address: 203.0.113.10:8388
//	    method: chacha20-ietf-poly1305
//	    password: secret
//	    timeout: 5m
func LoadServers(path string) ([]transport.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.Wrap(err, "read servers file")
	}

	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, merrors.Wrap(err, "parse servers file "+path)
	}
	if len(f.Servers) == 0 {
		return nil, fmt.Errorf("%s: %w", path, merrors.ErrNoServers)
	}

	return f.Servers, nil
}
