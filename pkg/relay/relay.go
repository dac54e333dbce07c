// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	merrors "github.com/absmach/mtunnel/pkg/errors"
)

// LevelTrace is below slog.LevelDebug and carries per-direction close records.
const LevelTrace = slog.LevelDebug - 4

const defaultBufferSize = 16 * 1024

// Direction identifies one half of a duplex relay.
type Direction int

const (
	// Forward copies client bytes to the upstream tunnel.
	Forward Direction = iota

	// Reverse copies upstream bytes to the client.
	Reverse
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

func (d Direction) arrow() string {
	if d == Reverse {
		return "<-"
	}
	return "->"
}

// State is the relay state of a single connection.
type State int

const (
	StateEstablished State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Termination classifies how the first direction finished.
type Termination int

const (
	// Clean means end of stream.
	Clean Termination = iota
	// Timeout means a deadline expired; idle tunnels end this way.
	Timeout
	// Failed means any other I/O error.
	Failed
)

func (t Termination) String() string {
	switch t {
	case Clean:
		return "clean"
	case Timeout:
		return "timeout"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Classify maps a directional copy error to its termination class.
func Classify(err error) Termination {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return Clean
	case merrors.IsTimeout(err):
		return Timeout
	default:
		return Failed
	}
}

// CopyFunc copies bytes from src to dst until end of stream or error.
// It returns nil on a clean end of stream.
type CopyFunc func(dst io.Writer, src io.Reader) (int64, error)

// Outcome describes the direction that finished first.
type Outcome struct {
	Direction   Direction
	Termination Termination
	Bytes       int64
	Err         error
}

// Config holds the relay engine configuration.
type Config struct {
	// Forward copies client to upstream. Defaults to a pooled io.CopyBuffer.
	Forward CopyFunc

	// Reverse copies upstream to client. Defaults to a pooled io.CopyBuffer.
	Reverse CopyFunc

	// BufferSize is the size of pooled copy buffers.
	BufferSize int

	// Logger for relay events
	Logger *slog.Logger
}

// Engine drives the two directional copies of a tunnel.
type Engine struct {
	config     Config
	bufferPool *sync.Pool
}

// New creates a relay engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	e := &Engine{config: cfg}
	size := cfg.BufferSize
	e.bufferPool = &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
	if e.config.Forward == nil {
		e.config.Forward = e.copyBuffer
	}
	if e.config.Reverse == nil {
		e.config.Reverse = e.copyBuffer
	}

	return e
}

func (e *Engine) copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}

// Pipe runs the forward and reverse copies concurrently and returns as soon
// as either finishes. The other copy keeps running until its reader or
// writer fails; callers release it by closing the underlying streams.
func (e *Engine) Pipe(clientR io.Reader, clientW io.Writer, upstreamR io.Reader, upstreamW io.Writer) Outcome {
	forward := func() (int64, error) { return e.config.Forward(upstreamW, clientR) }
	reverse := func() (int64, error) { return e.config.Reverse(clientW, upstreamR) }

	out := first(forward, reverse)
	out.Termination = Classify(out.Err)
	return out
}

// Option customizes a single Relay call.
type Option func(*call)

type call struct {
	attrs   []slog.Attr
	onState func(State)
}

// WithAttrs adds log attributes to the relay records.
func WithAttrs(attrs ...slog.Attr) Option {
	return func(c *call) {
		c.attrs = append(c.attrs, attrs...)
	}
}

// WithStateFunc registers fn to observe every state transition.
func WithStateFunc(fn func(State)) Option {
	return func(c *call) {
		c.onState = fn
	}
}

// Relay pipes client and upstream, then closes both. Whatever ended the
// relay, the tunnel is considered closed normally.
func (e *Engine) Relay(ctx context.Context, client, upstream io.ReadWriteCloser, opts ...Option) Outcome {
	c := &call{}
	for _, opt := range opts {
		opt(c)
	}

	c.setState(StateEstablished)
	e.config.Logger.LogAttrs(ctx, slog.LevelDebug, "tunnel relay established", c.attrs...)

	c.setState(StateRelaying)
	out := e.Pipe(client, client, upstream, upstream)

	c.setState(StateClosing)
	client.Close()
	upstream.Close()

	e.log(ctx, out, c.attrs)
	e.config.Logger.LogAttrs(ctx, slog.LevelDebug, "tunnel relay closed", c.attrs...)
	c.setState(StateClosed)

	return out
}

func (c *call) setState(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// first starts both operations and reports the one that returns first.
// The channel has room for both results so the slower one never blocks.
func first(forward, reverse func() (int64, error)) Outcome {
	done := make(chan Outcome, 2)

	run := func(d Direction, fn func() (int64, error)) {
		n, err := fn()
		done <- Outcome{Direction: d, Bytes: n, Err: err}
	}
	go run(Forward, forward)
	go run(Reverse, reverse)

	return <-done
}

func (e *Engine) log(ctx context.Context, out Outcome, attrs []slog.Attr) {
	attrs = append(attrs[:len(attrs):len(attrs)], slog.String("direction", out.Direction.String()), slog.Int64("bytes", out.Bytes))
	msg := "tunnel relay " + out.Direction.arrow() + " closed"

	switch out.Termination {
	case Clean:
		e.config.Logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
	case Timeout:
		e.config.Logger.LogAttrs(ctx, LevelTrace, msg+" with error", append(attrs, slog.String("error", out.Err.Error()))...)
	default:
		e.config.Logger.LogAttrs(ctx, slog.LevelDebug, msg+" with error", append(attrs, slog.String("error", out.Err.Error()))...)
	}
}
