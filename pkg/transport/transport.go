// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/sockopt"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// Method names understood by Dialer besides the AEAD cipher names.
const (
	MethodPlain  = "plain"
	MethodNone   = "none"
	MethodSOCKS5 = "socks5"
)

// Address is a tunnel target in SOCKS address form.
type Address socks.Addr

// ParseAddress parses a host:port target.
func ParseAddress(s string) (Address, error) {
	addr := socks.ParseAddr(s)
	if addr == nil {
		return nil, fmt.Errorf("%w: %q", merrors.ErrInvalidForward, s)
	}
	return Address(addr), nil
}

func (a Address) String() string {
	return socks.Addr(a).String()
}

// ServerConfig describes one upstream server.
type ServerConfig struct {
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Method   string        `yaml:"method"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// String returns the server name, or its address when unnamed.
func (c ServerConfig) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Address
}

// Opener opens a proxied stream to target through srv.
type Opener interface {
	ConnectProxied(ctx context.Context, srv ServerConfig, target Address) (net.Conn, error)
}

// Config holds the Dialer configuration.
type Config struct {
	// DialTimeout bounds connecting to the upstream server.
	DialTimeout time.Duration

	// Sockopts applies to every outbound socket.
	Sockopts sockopt.Options
}

// Dialer is the default Opener.
type Dialer struct {
	config  Config
	ciphers *cipherCache
}

var _ Opener = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Dialer{
		config:  cfg,
		ciphers: newCipherCache(),
	}
}

// ConnectProxied implements Opener.
func (d *Dialer) ConnectProxied(ctx context.Context, srv ServerConfig, target Address) (net.Conn, error) {
	if strings.EqualFold(srv.Method, MethodSOCKS5) {
		return d.connectSOCKS5(ctx, srv, target)
	}
	return d.connectShadowsocks(ctx, srv, target)
}

// ValidateMethod reports whether method is supported.
func ValidateMethod(method string) error {
	if strings.EqualFold(method, MethodSOCKS5) {
		return nil
	}
	_, err := pickCipher(method, "")
	return err
}

func (d *Dialer) dial(ctx context.Context, address string) (net.Conn, error) {
	return d.config.Sockopts.Dialer(d.config.DialTimeout).DialContext(ctx, "tcp", address)
}
