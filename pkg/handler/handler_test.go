// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"
)

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:  "test-session",
		RemoteAddr: "127.0.0.1:1234",
		Target:     "example.com:80",
		Server:     "upstream-1",
		Protocol:   "tcp",
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "OnAccept",
			fn:   func() error { return handler.OnAccept(ctx, hctx) },
		},
		{
			name: "OnEstablish",
			fn:   func() error { return handler.OnEstablish(ctx, hctx) },
		},
		{
			name: "OnClose",
			fn:   func() error { return handler.OnClose(ctx, hctx, errors.New("refused")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

type recordingHandler struct {
	name      string
	acceptErr error
	notifyErr error
	calls     *[]string
}

func (h *recordingHandler) OnAccept(ctx context.Context, hctx *Context) error {
	*h.calls = append(*h.calls, h.name+".accept")
	return h.acceptErr
}

func (h *recordingHandler) OnEstablish(ctx context.Context, hctx *Context) error {
	*h.calls = append(*h.calls, h.name+".establish")
	return h.notifyErr
}

func (h *recordingHandler) OnClose(ctx context.Context, hctx *Context, err error) error {
	*h.calls = append(*h.calls, h.name+".close")
	return h.notifyErr
}

func TestChain_OnAcceptStopsAtRejection(t *testing.T) {
	var calls []string
	rejected := errors.New("rate limited")
	chain := Chain{
		&recordingHandler{name: "a", calls: &calls},
		&recordingHandler{name: "b", acceptErr: rejected, calls: &calls},
		&recordingHandler{name: "c", calls: &calls},
	}

	err := chain.OnAccept(context.Background(), &Context{})
	if !errors.Is(err, rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	want := []string{"a.accept", "b.accept"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestChain_NotificationsReachEveryHandler(t *testing.T) {
	var calls []string
	failed := errors.New("audit sink down")
	chain := Chain{
		&recordingHandler{name: "a", notifyErr: failed, calls: &calls},
		&recordingHandler{name: "b", calls: &calls},
	}

	if err := chain.OnEstablish(context.Background(), &Context{}); !errors.Is(err, failed) {
		t.Errorf("expected first error from OnEstablish, got %v", err)
	}
	if err := chain.OnClose(context.Background(), &Context{}, nil); !errors.Is(err, failed) {
		t.Errorf("expected first error from OnClose, got %v", err)
	}

	if len(calls) != 4 {
		t.Errorf("expected 4 calls, got %v", calls)
	}
}
