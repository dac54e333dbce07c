// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/sockopt"
	"github.com/shadowsocks/go-shadowsocks2/core"
)

const dummyCipher = "DUMMY"

func pickCipher(method, password string) (core.Cipher, error) {
	name := method
	if strings.EqualFold(method, MethodPlain) || strings.EqualFold(method, MethodNone) {
		name = dummyCipher
	}
	ciph, err := core.PickCipher(name, nil, password)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", merrors.ErrUnsupportedMethod, method, err)
	}
	return ciph, nil
}

// cipherCache keeps one derived cipher per method and password.
type cipherCache struct {
	mu      sync.Mutex
	ciphers map[string]core.Cipher
}

func newCipherCache() *cipherCache {
	return &cipherCache{ciphers: make(map[string]core.Cipher)}
}

func (c *cipherCache) get(method, password string) (core.Cipher, error) {
	key := method + "\x00" + password

	c.mu.Lock()
	defer c.mu.Unlock()

	if ciph, ok := c.ciphers[key]; ok {
		return ciph, nil
	}
	ciph, err := pickCipher(method, password)
	if err != nil {
		return nil, err
	}
	c.ciphers[key] = ciph
	return ciph, nil
}

func (d *Dialer) connectShadowsocks(ctx context.Context, srv ServerConfig, target Address) (net.Conn, error) {
	ciph, err := d.ciphers.get(srv.Method, srv.Password)
	if err != nil {
		return nil, err
	}

	raw, err := d.dial(ctx, srv.Address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", srv, err)
	}

	conn := ciph.StreamConn(sockopt.NewIdleConn(raw, srv.Timeout))
	if _, err := conn.Write(target); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send target to %s: %w", srv, err)
	}

	return conn, nil
}
