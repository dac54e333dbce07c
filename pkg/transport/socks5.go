// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/absmach/mtunnel/pkg/sockopt"
	"golang.org/x/net/proxy"
)

type contextForward struct {
	d *Dialer
}

func (f contextForward) Dial(network, address string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, address)
}

func (f contextForward) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f.d.dial(ctx, address)
}

func socksAuth(password string) *proxy.Auth {
	if password == "" {
		return nil
	}
	user, pass, _ := strings.Cut(password, ":")
	return &proxy.Auth{User: user, Password: pass}
}

func (d *Dialer) connectSOCKS5(ctx context.Context, srv ServerConfig, target Address) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", srv.Address, socksAuth(srv.Password), contextForward{d: d})
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", srv, err)
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target.String())
	} else {
		conn, err = dialer.Dial("tcp", target.String())
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s via %s: %w", target, srv, err)
	}

	return sockopt.NewIdleConn(conn, srv.Timeout), nil
}
