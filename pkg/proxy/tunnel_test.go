// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/mtunnel/pkg/balancer"
	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/transport"
	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewTunnel_Validation(t *testing.T) {
	cases := []struct {
		desc string
		cfg  TunnelConfig
		err  error
	}{
		{"missing forward", TunnelConfig{LocalAddr: "127.0.0.1:0", EnableTCP: true}, merrors.ErrMissingForward},
		{"tcp disabled", TunnelConfig{LocalAddr: "127.0.0.1:0", ForwardAddr: "example.com:80"}, merrors.ErrTCPDisabled},
		{"missing local", TunnelConfig{ForwardAddr: "example.com:80", EnableTCP: true}, merrors.ErrMissingLocal},
		{"bad forward", TunnelConfig{LocalAddr: "127.0.0.1:0", ForwardAddr: "example.com", EnableTCP: true}, merrors.ErrInvalidForward},
		{"empty config reports tcp first", TunnelConfig{}, merrors.ErrTCPDisabled},
		{"tcp disabled before missing forward", TunnelConfig{LocalAddr: "127.0.0.1:0"}, merrors.ErrTCPDisabled},
		{"missing local before missing forward", TunnelConfig{EnableTCP: true}, merrors.ErrMissingLocal},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := NewTunnel(tc.cfg, nil, nil, nil)
			assert.ErrorIs(t, err, tc.err)
			assert.Nil(t, p)
		})
	}
}

// startUpstream runs a shadowsocks server that echoes every stream and
// reports the requested targets.
func startUpstream(t *testing.T, cipher, password string) (string, <-chan string) {
	t.Helper()
	ciph, err := core.PickCipher(cipher, nil, password)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	targets := make(chan string, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				sc := ciph.StreamConn(c)
				tgt, err := socks.ReadAddr(sc)
				if err != nil {
					return
				}
				targets <- tgt.String()
				_, _ = io.Copy(sc, sc)
			}()
		}
	}()

	return ln.Addr().String(), targets
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTunnel_EndToEnd(t *testing.T) {
	cases := []struct {
		method   string
		cipher   string
		password string
	}{
		{"plain", "DUMMY", ""},
		{"chacha20-ietf-poly1305", "CHACHA20-IETF-POLY1305", "secret"},
		{"aes-256-gcm", "AES-256-GCM", "secret"},
	}

	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			upstream, targets := startUpstream(t, tc.cipher, tc.password)

			lb, err := balancer.New(balancer.Config{
				Servers: []transport.ServerConfig{{Name: "local", Address: upstream, Method: tc.method, Password: tc.password}},
				Logger:  logger,
			})
			require.NoError(t, err)

			local := freeAddr(t)
			tunnel, err := NewTunnel(TunnelConfig{
				LocalAddr:   local,
				ForwardAddr: "example.com:80",
				EnableTCP:   true,
				Logger:      logger,
			}, lb, transport.NewDialer(transport.Config{DialTimeout: time.Second}), nil)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- tunnel.Listen(ctx) }()

			var conn net.Conn
			require.Eventually(t, func() bool {
				conn, err = net.Dial("tcp", local)
				return err == nil
			}, 2*time.Second, 10*time.Millisecond)
			defer conn.Close()

			req := []byte("GET / HTTP/1.0\r\n\r\n")
			_, err = conn.Write(req)
			require.NoError(t, err)

			got := make([]byte, len(req))
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, err = io.ReadFull(conn, got)
			require.NoError(t, err)
			assert.Equal(t, req, got)
			assert.Equal(t, "example.com:80", <-targets)

			require.NoError(t, conn.Close())
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("tunnel did not stop")
			}
		})
	}
}
