// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP tunnel server for mTunnel.
//
// # Overview
//
// The server accepts client connections on a local address and tunnels each
// one to a fixed target address through an upstream server chosen by a
// balancer. Bytes are relayed in both directions until either side is done.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐  encrypted  ┌──────────┐         ┌────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─stream──→ │ Upstream │ ←─TCP─→ │ Target │
//	└─────────┘         └─────────┘             └──────────┘         └────────┘
//	                         ↓
//	                    ┌──────────┐
//	                    │ Balancer │ PickServer()
//	                    └──────────┘
//	                         ↓
//	                    ┌──────────┐
//	                    │  Opener  │ ConnectProxied()
//	                    └──────────┘
//
// # Connection Flow
//
//  1. Server accepts a client connection
//  2. Server picks an upstream server (no I/O)
//  3. Server spawns a goroutine for the tunnel and goes back to accepting
//  4. Handler.OnAccept may reject the connection
//  5. Socket options are applied to the client connection, best effort
//  6. The opener connects to the target through the upstream server
//  7. The relay engine copies both directions until the first one ends
//  8. Both connections are closed and Handler.OnClose is called
//
// # Accept Failures
//
// A failed accept is logged and followed by one AcceptBackoff pause (one
// second by default) before the next accept. The loop never exits because of
// an accept error.
//
// # Error Handling
//
//   - Bind errors: returned by Listen, nothing is accepted
//   - Accept errors: logged, backoff, retried
//   - Socket option errors: logged, the tunnel proceeds
//   - Upstream errors: logged, the client connection is closed
//   - Relay errors: classified and logged by the relay engine; the tunnel
//     closes normally
//
// No error of a single tunnel reaches the accept loop or another tunnel.
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. Server stops accepting new connections
//  2. Server waits for open tunnels (with timeout)
//  3. After ShutdownTimeout, remaining tunnels are forcefully closed
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	target, _ := transport.ParseAddress("example.com:80")
//	lb, _ := balancer.New(balancer.Config{Servers: servers})
//
//	cfg := tcp.Config{
//		Address:  "127.0.0.1:8080",
//		Target:   target,
//		Sockopts: sockopt.Options{NoDelay: true},
//	}
//
//	server := tcp.New(cfg, lb, transport.NewDialer(transport.Config{}), nil)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
