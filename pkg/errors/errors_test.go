// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelError(t *testing.T) {
	err := New("establish", "abc", "127.0.0.1:5000", "example.com:80", io.ErrUnexpectedEOF)
	require.Error(t, err)
	assert.Equal(t, "tunnel establish [abc] 127.0.0.1:5000 <-> example.com:80: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var te *TunnelError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "establish", te.Op)

	err = New("relay", "", "127.0.0.1:5000", "example.com:80", io.EOF)
	assert.Equal(t, "tunnel relay 127.0.0.1:5000 <-> example.com:80: EOF", err.Error())

	assert.NoError(t, New("relay", "", "", "", nil))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))

	err := Wrap(ErrNoServers, "load balancer")
	assert.EqualError(t, err, "load balancer: no upstream servers configured")
	assert.ErrorIs(t, err, ErrNoServers)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTimeout(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, false},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}, true},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, false},
		{"canceled", context.Canceled, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTimeout(tc.err))
		})
	}
}

func TestIsTimeoutFromSocket(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := a.Read(make([]byte, 1))
	assert.True(t, IsTimeout(err))
}
