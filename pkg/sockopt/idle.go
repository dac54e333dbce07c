// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sockopt

import (
	"net"
	"time"
)

// IdleConn refreshes the read or write deadline before every I/O call, so
// the connection fails with a timeout after idling for Timeout.
type IdleConn struct {
	net.Conn
	Timeout time.Duration
}

// NewIdleConn wraps conn with an idle timeout. A non-positive timeout
// returns conn unchanged.
func NewIdleConn(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &IdleConn{Conn: conn, Timeout: timeout}
}

func (c *IdleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *IdleConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
