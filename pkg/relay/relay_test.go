// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.Clone())
	return nil
}

func (r *recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *recorder) WithGroup(string) slog.Handler      { return r }

func (r *recorder) find(msg string) (slog.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Message == msg {
			return rec, true
		}
	}
	return slog.Record{}, false
}

type tunnelPipes struct {
	clientApp, clientProxy net.Conn
	upstreamProxy, upApp   net.Conn
}

func newTunnelPipes() *tunnelPipes {
	p := &tunnelPipes{}
	p.clientApp, p.clientProxy = net.Pipe()
	p.upstreamProxy, p.upApp = net.Pipe()
	return p
}

func (p *tunnelPipes) close() {
	p.clientApp.Close()
	p.clientProxy.Close()
	p.upstreamProxy.Close()
	p.upApp.Close()
}

func runRelay(t *testing.T, e *Engine, p *tunnelPipes, opts ...Option) <-chan Outcome {
	t.Helper()
	done := make(chan Outcome, 1)
	go func() {
		done <- e.Relay(context.Background(), p.clientProxy, p.upstreamProxy, opts...)
	}()
	return done
}

func wait(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
		return Outcome{}
	}
}

func TestRelay_EchoAndUpstreamClose(t *testing.T) {
	rec := &recorder{}
	e := New(Config{Logger: slog.New(rec)})
	p := newTunnelPipes()
	defer p.close()

	done := runRelay(t, e, p, WithAttrs(slog.String("target", "example.com:80")))

	req := []byte("GET / HTTP/1.0\r\n\r\n")
	resp := []byte("HTTP/1.0 200 OK\r\n\r\n")

	go func() {
		_, _ = p.clientApp.Write(req)
	}()
	got := make([]byte, len(req))
	_, err := io.ReadFull(p.upApp, got)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	go func() {
		_, _ = p.upApp.Write(resp)
		p.upApp.Close()
	}()
	got = make([]byte, len(resp))
	_, err = io.ReadFull(p.clientApp, got)
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	out := wait(t, done)
	assert.Equal(t, Reverse, out.Direction)
	assert.Equal(t, Clean, out.Termination)
	assert.Equal(t, int64(len(resp)), out.Bytes)
	assert.NoError(t, out.Err)

	// The client side is closed once upstream finished.
	_ = p.clientApp.SetReadDeadline(time.Now().Add(time.Second))
	_, err = p.clientApp.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	traced, ok := rec.find("tunnel relay <- closed")
	require.True(t, ok)
	assert.Equal(t, LevelTrace, traced.Level)
}

func TestRelay_ClientCloseTearsDownUpstream(t *testing.T) {
	e := New(Config{Logger: slog.New(&recorder{})})
	p := newTunnelPipes()
	defer p.close()

	done := runRelay(t, e, p)
	p.clientApp.Close()

	out := wait(t, done)
	assert.Equal(t, Forward, out.Direction)
	assert.Equal(t, Clean, out.Termination)

	_ = p.upApp.SetReadDeadline(time.Now().Add(time.Second))
	_, err := p.upApp.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelay_TimeoutIsTraced(t *testing.T) {
	rec := &recorder{}
	e := New(Config{
		Logger: slog.New(rec),
		Forward: func(dst io.Writer, src io.Reader) (int64, error) {
			return 0, os.ErrDeadlineExceeded
		},
	})
	p := newTunnelPipes()
	defer p.close()

	out := wait(t, runRelay(t, e, p))
	assert.Equal(t, Forward, out.Direction)
	assert.Equal(t, Timeout, out.Termination)
	assert.ErrorIs(t, out.Err, os.ErrDeadlineExceeded)

	r, ok := rec.find("tunnel relay -> closed with error")
	require.True(t, ok)
	assert.Equal(t, LevelTrace, r.Level)
}

func TestRelay_OtherErrorIsDebug(t *testing.T) {
	rec := &recorder{}
	reset := errors.New("connection reset by peer")
	e := New(Config{
		Logger: slog.New(rec),
		Reverse: func(dst io.Writer, src io.Reader) (int64, error) {
			return 3, reset
		},
	})
	p := newTunnelPipes()
	defer p.close()

	out := wait(t, runRelay(t, e, p))
	assert.Equal(t, Reverse, out.Direction)
	assert.Equal(t, Failed, out.Termination)
	assert.Equal(t, int64(3), out.Bytes)

	r, ok := rec.find("tunnel relay <- closed with error")
	require.True(t, ok)
	assert.Equal(t, slog.LevelDebug, r.Level)

	_, ok = rec.find("tunnel relay closed")
	assert.True(t, ok)
}

func TestRelay_StateTransitions(t *testing.T) {
	e := New(Config{Logger: slog.New(&recorder{})})
	p := newTunnelPipes()
	defer p.close()

	var mu sync.Mutex
	var states []State
	done := runRelay(t, e, p, WithStateFunc(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}))

	p.upApp.Close()
	wait(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateEstablished, StateRelaying, StateClosing, StateClosed}, states)
}

func TestPipe_CustomCopyPrimitives(t *testing.T) {
	upper := func(dst io.Writer, src io.Reader) (int64, error) {
		b, err := io.ReadAll(src)
		if err != nil {
			return 0, err
		}
		n, err := dst.Write(bytes.ToUpper(b))
		return int64(n), err
	}
	e := New(Config{Forward: upper, Reverse: upper})

	var upstream bytes.Buffer
	out := e.Pipe(bytes.NewReader([]byte("hello")), io.Discard, blockingReader{}, &upstream)

	assert.Equal(t, Forward, out.Direction)
	assert.Equal(t, Clean, out.Termination)
	assert.Equal(t, "HELLO", upstream.String())
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Clean, Classify(nil))
	assert.Equal(t, Clean, Classify(io.EOF))
	assert.Equal(t, Timeout, Classify(os.ErrDeadlineExceeded))
	assert.Equal(t, Failed, Classify(io.ErrClosedPipe))
}

func TestNew_Defaults(t *testing.T) {
	e := New(Config{})

	require.NotNil(t, e.config.Logger)
	require.NotNil(t, e.config.Forward)
	require.NotNil(t, e.config.Reverse)
	assert.Equal(t, defaultBufferSize, e.config.BufferSize)

	bufPtr := e.bufferPool.Get().(*[]byte)
	assert.Len(t, *bufPtr, defaultBufferSize)
	e.bufferPool.Put(bufPtr)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "forward", Forward.String())
	assert.Equal(t, "reverse", Reverse.String())
	assert.Equal(t, "relaying", StateRelaying.String())
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "error", Failed.String())
}
