// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy is the entry point of a TCP tunnel. It validates the
// resolved configuration and wires the server with its collaborators.
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│ TunnelProxy │  (Coordinator)
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│ tcp.Server  │  (Accept loop)
//	└─────────────┘
//	     ↓
//	┌─────────────┐     ┌───────────────────┐
//	│   Picker    │     │      Opener       │
//	│ (balancer)  │     │ (transport.Dialer)│
//	└─────────────┘     └───────────────────┘
//	     ↓
//	┌─────────────┐
//	│   Handler   │  (Lifecycle hooks)
//	└─────────────┘
//
// # Startup Errors
//
// NewTunnel fails before anything is bound when:
//
//   - the forward address is missing (errors.ErrMissingForward)
//   - TCP relay is disabled (errors.ErrTCPDisabled)
//   - the local address is missing (errors.ErrMissingLocal)
//   - the forward address does not parse (errors.ErrInvalidForward)
//
// Listen returns bind failures immediately and otherwise runs until the
// context is cancelled.
//
// Example:
//
//	lb, err := balancer.New(balancer.Config{Servers: servers})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	tunnel, err := proxy.NewTunnel(proxy.TunnelConfig{
//		LocalAddr:   "127.0.0.1:5353",
//		ForwardAddr: "8.8.8.8:53",
//		EnableTCP:   true,
//	}, lb, transport.NewDialer(transport.Config{}), nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := tunnel.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package proxy
