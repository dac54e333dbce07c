// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the hooks a tunnel server calls over the life of
// each client connection.
//
// # Lifecycle
//
//	accept ─→ OnAccept ─→ establish upstream ─→ OnEstablish ─→ relay ─→ OnClose
//	             │                 │
//	             └─ rejected ──────┴─ failed ─────────────────────────→ OnClose
//
// OnAccept may reject a connection by returning an error; the client is
// closed before any upstream server is contacted. OnClose is called exactly
// once for every accepted connection, including rejected and failed ones.
//
// # Example
//
//	type auditHandler struct {
//		handler.NoopHandler
//		logger *slog.Logger
//	}
//
//	func (h *auditHandler) OnClose(ctx context.Context, hctx *handler.Context, err error) error {
//		h.logger.Info("tunnel closed", slog.String("session", hctx.SessionID))
//		return nil
//	}
//
// Handlers are shared by all connections and must be safe for concurrent
// use. The Context passed to them is not shared.
package handler
