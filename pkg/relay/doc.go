// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the duplex byte relay between a client
// connection and its upstream tunnel.
//
// Two goroutines copy in opposite directions:
//
//	forward: client   → upstream
//	reverse: upstream → client
//
// The first direction to finish, cleanly or with an error, ends the relay.
// Relay then closes both streams, which unblocks the other direction, and
// logs how the tunnel ended:
//
//   - end of stream: trace
//   - timeout: trace (idle tunnels expire this way)
//   - any other error: debug
//
// None of these are failures of the tunnel. The per-connection states are
// Established → Relaying → Closing → Closed.
//
// The copy primitives are pluggable per direction through Config.Forward and
// Config.Reverse, so a framing or cipher layer can be supplied without the
// engine knowing about it.
package relay
