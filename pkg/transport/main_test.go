// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"os"
	"testing"
)

// The shadowsocks salt filter is process wide. Client and server share it in
// these tests, so every AEAD handshake would look like a replay.
func TestMain(m *testing.M) {
	os.Setenv("SHADOWSOCKS_SF_CAPACITY", "-1")
	os.Exit(m.Run())
}
