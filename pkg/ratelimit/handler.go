// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/metrics"
)

// Config configures admission control.
type Config struct {
	// Capacity is the burst size of each per-client bucket.
	Capacity int64

	// RefillRate is the number of connections per second each client regains.
	RefillRate int64

	// GlobalCapacity and GlobalRefillRate bound all clients together. Zero
	// capacity disables the global bucket.
	GlobalCapacity   int64
	GlobalRefillRate int64

	// MaxClients bounds the number of tracked client IPs.
	MaxClients int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Admission is a handler.Handler that rejects connections over the limits
// before any upstream connection is opened.
type Admission struct {
	handler.NoopHandler

	clients *Limiter
	global  *TokenBucket
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Handler = (*Admission)(nil)

// NewAdmission creates an admission handler. Close releases its background
// sweep.
func NewAdmission(cfg Config) *Admission {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Admission{
		clients: NewLimiter(cfg.Capacity, cfg.RefillRate, cfg.MaxClients),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if cfg.GlobalCapacity > 0 {
		a.global = NewTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillRate)
	}
	return a
}

// OnAccept checks the global bucket, then the bucket of the client IP.
func (a *Admission) OnAccept(ctx context.Context, hctx *handler.Context) error {
	if a.global != nil && !a.global.Allow() {
		return a.reject(hctx, "global")
	}

	if !a.clients.Allow(clientIP(hctx.RemoteAddr)) {
		return a.reject(hctx, "client")
	}
	return nil
}

func (a *Admission) reject(hctx *handler.Context, kind string) error {
	a.logger.Warn("connection rate limited",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("limiter", kind))
	if a.metrics != nil {
		a.metrics.RateLimited.WithLabelValues(kind).Inc()
	}
	return fmt.Errorf("%s %w", kind, ErrRateLimitExceeded)
}

// Close stops the per-client limiter sweep.
func (a *Admission) Close() {
	a.clients.Close()
}

func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
