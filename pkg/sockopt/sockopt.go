// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sockopt applies per-connection socket tuning.
package sockopt

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	merrors "github.com/absmach/mtunnel/pkg/errors"
)

// Options holds the socket tuning applied to tunnel connections.
type Options struct {
	// NoDelay disables Nagle's algorithm on accepted connections.
	NoDelay bool

	// KeepAlive enables TCP keep-alive with the given period when positive.
	KeepAlive time.Duration

	// RecvBuffer and SendBuffer set SO_RCVBUF and SO_SNDBUF when positive.
	RecvBuffer int
	SendBuffer int

	// Mark sets SO_MARK on outbound sockets (linux only) when non-zero.
	Mark int
}

func (o Options) empty() bool {
	return !o.NoDelay && o.KeepAlive <= 0 && o.RecvBuffer <= 0 && o.SendBuffer <= 0
}

type noDelaySetter interface {
	SetNoDelay(bool) error
}

type keepAliveSetter interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

type bufferSetter interface {
	SetReadBuffer(int) error
	SetWriteBuffer(int) error
}

// Apply tunes an accepted connection. Every requested option is attempted;
// the returned error joins all failures.
func (o Options) Apply(conn net.Conn) error {
	if o.empty() {
		return nil
	}

	var errs []error

	if o.NoDelay {
		s, ok := conn.(noDelaySetter)
		if !ok {
			return merrors.ErrUnsupportedConn
		}
		if err := s.SetNoDelay(true); err != nil {
			errs = append(errs, fmt.Errorf("set TCP_NODELAY: %w", err))
		}
	}

	if o.KeepAlive > 0 {
		s, ok := conn.(keepAliveSetter)
		if !ok {
			return merrors.ErrUnsupportedConn
		}
		if err := s.SetKeepAlive(true); err != nil {
			errs = append(errs, fmt.Errorf("set SO_KEEPALIVE: %w", err))
		} else if err := s.SetKeepAlivePeriod(o.KeepAlive); err != nil {
			errs = append(errs, fmt.Errorf("set keep-alive period: %w", err))
		}
	}

	if o.RecvBuffer > 0 || o.SendBuffer > 0 {
		s, ok := conn.(bufferSetter)
		if !ok {
			return merrors.ErrUnsupportedConn
		}
		if o.RecvBuffer > 0 {
			if err := s.SetReadBuffer(o.RecvBuffer); err != nil {
				errs = append(errs, fmt.Errorf("set SO_RCVBUF: %w", err))
			}
		}
		if o.SendBuffer > 0 {
			if err := s.SetWriteBuffer(o.SendBuffer); err != nil {
				errs = append(errs, fmt.Errorf("set SO_SNDBUF: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// Control is a net.Dialer Control function that applies the outbound socket
// options before connect.
func (o Options) Control(network, address string, c syscall.RawConn) error {
	if o.Mark == 0 && o.RecvBuffer <= 0 && o.SendBuffer <= 0 {
		return nil
	}

	var serr error
	err := c.Control(func(fd uintptr) {
		serr = o.setRaw(int(fd))
	})
	if err != nil {
		return err
	}
	return serr
}

// Dialer returns a net.Dialer using o for outbound sockets.
func (o Options) Dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: o.KeepAlive,
		Control:   o.Control,
	}
}
