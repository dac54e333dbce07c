// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"

	"github.com/absmach/mtunnel/pkg/relay"
)

// Context contains the metadata of one tunnel. It is owned by the goroutine
// handling the connection and passed to every Handler method.
type Context struct {
	// SessionID is a unique identifier for this tunnel
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Target is the forward address every tunnel connects to
	Target string

	// Server is the name of the upstream server picked for this tunnel
	Server string

	// Protocol is always "tcp" for stream tunnels
	Protocol string

	// AcceptedAt is when the client connection was accepted
	AcceptedAt time.Time

	// State is the current relay state
	State relay.State

	// Outcome is set once the relay finished. It stays nil when the tunnel
	// was never established.
	Outcome *relay.Outcome
}

// Handler receives tunnel lifecycle events.
//
// OnAccept runs before any upstream connection is opened. Returning an error
// rejects the client connection; this is the place for admission control.
//
// OnEstablish and OnClose are notifications. Their errors are logged and do
// not affect the tunnel.
type Handler interface {
	// OnAccept is called right after a client connection is accepted.
	OnAccept(ctx context.Context, hctx *Context) error

	// OnEstablish is called once the upstream tunnel is open, before relaying.
	OnEstablish(ctx context.Context, hctx *Context) error

	// OnClose is called when the tunnel is torn down. err is the establish
	// error, if any.
	OnClose(ctx context.Context, hctx *Context, err error) error
}

// NoopHandler is a Handler implementation that accepts every tunnel.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnAccept(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnEstablish(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnClose(ctx context.Context, hctx *Context, err error) error {
	return nil
}

// Chain calls handlers in order. OnAccept stops at the first rejection;
// notifications are delivered to every handler and the first error is
// returned.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) OnAccept(ctx context.Context, hctx *Context) error {
	for _, h := range c {
		if err := h.OnAccept(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnEstablish(ctx context.Context, hctx *Context) error {
	var first error
	for _, h := range c {
		if err := h.OnEstablish(ctx, hctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c Chain) OnClose(ctx context.Context, hctx *Context, err error) error {
	var first error
	for _, h := range c {
		if herr := h.OnClose(ctx, hctx, err); herr != nil && first == nil {
			first = herr
		}
	}
	return first
}
