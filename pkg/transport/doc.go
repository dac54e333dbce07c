// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport opens proxied streams to a tunnel target through an
// upstream server.
//
// # Methods
//
// The method of a ServerConfig selects how the stream is framed:
//
//   - "plain" or "none": the target header and payload are sent unencrypted
//   - an AEAD cipher name ("chacha20-ietf-poly1305", "aes-128-gcm",
//     "aes-256-gcm"): shadowsocks AEAD framing keyed by the password
//   - "socks5": the upstream server is a SOCKS5 proxy; the password, when
//     set, is "user:pass"
//
// For shadowsocks methods the first bytes written on the stream are the
// target address in SOCKS form, followed by the client payload.
//
// # Timeouts
//
// A positive ServerConfig.Timeout bounds how long the upstream stream may
// stay idle. Expired reads and writes fail with a timeout error, which the
// relay treats as a normal close.
package transport
