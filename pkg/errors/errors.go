// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mTunnel.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Startup errors. Any of these stops the process before the accept loop runs.
var (
	// ErrMissingLocal indicates the local listen address is not configured.
	ErrMissingLocal = errors.New("local address not configured")

	// ErrMissingForward indicates the tunnel target address is not configured.
	ErrMissingForward = errors.New("forward address not configured")

	// ErrInvalidForward indicates the tunnel target address cannot be parsed.
	ErrInvalidForward = errors.New("invalid forward address")

	// ErrTCPDisabled indicates the configured mode does not relay TCP.
	ErrTCPDisabled = errors.New("TCP relay must be enabled for tunnel")

	// ErrInvalidMode indicates an unknown relay mode.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrNoServers indicates no upstream server is configured.
	ErrNoServers = errors.New("no upstream servers configured")

	// ErrUnsupportedMethod indicates an unknown upstream transport method.
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// Per-connection errors.
var (
	// ErrRejected indicates a lifecycle handler refused the connection.
	ErrRejected = errors.New("connection rejected")

	// ErrUnsupportedConn indicates socket tuning was asked of a connection
	// that has no underlying TCP socket.
	ErrUnsupportedConn = errors.New("connection does not support socket options")
)

// TunnelError wraps an error with the tunnel it happened on.
type TunnelError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Target     string // Forward address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("tunnel %s [%s] %s <-> %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Target, e.Err)
	}
	return fmt.Sprintf("tunnel %s %s <-> %s: %v", e.Op, e.RemoteAddr, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError. It returns nil for a nil err.
func New(op, sessionID, remoteAddr, target string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Target:     target,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsTimeout reports whether err is a timeout-class error: an expired I/O
// deadline, a network timeout, or an exceeded context deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
