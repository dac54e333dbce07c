// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mtunnel holds the process configuration of the tunnel binary.
package mtunnel

import (
	"fmt"
	"time"

	"github.com/absmach/mtunnel/pkg/balancer"
	merrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/sockopt"
	"github.com/absmach/mtunnel/pkg/transport"
	"github.com/caarlos0/env/v11"
)

// Mode selects which relays run.
type Mode string

const (
	ModeTCPOnly   Mode = "tcp_only"
	ModeTCPAndUDP Mode = "tcp_and_udp"
	ModeUDPOnly   Mode = "udp_only"
)

// EnableTCP reports whether the mode relays TCP.
func (m Mode) EnableTCP() bool {
	return m == ModeTCPOnly || m == ModeTCPAndUDP
}

// Validate returns ErrInvalidMode for unknown modes.
func (m Mode) Validate() error {
	switch m {
	case ModeTCPOnly, ModeTCPAndUDP, ModeUDPOnly:
		return nil
	default:
		return fmt.Errorf("%w: %q", merrors.ErrInvalidMode, string(m))
	}
}

// Config is the process configuration, read from the environment.
type Config struct {
	LocalAddr   string        `env:"LOCAL_ADDR"   envDefault:"127.0.0.1:1080"`
	ForwardAddr string        `env:"FORWARD_ADDR"`
	Mode        Mode          `env:"MODE"         envDefault:"tcp_only"`
	NoDelay     bool          `env:"NO_DELAY"     envDefault:"false"`
	KeepAlive   time.Duration `env:"KEEP_ALIVE"   envDefault:"0s"`
	Fwmark      int           `env:"FWMARK"       envDefault:"0"`

	// Single upstream server, used when ServersFile is empty.
	ServerAddr     string        `env:"SERVER_ADDR"`
	ServerMethod   string        `env:"SERVER_METHOD"   envDefault:"chacha20-ietf-poly1305"`
	ServerPassword string        `env:"SERVER_PASSWORD"`
	ServerTimeout  time.Duration `env:"SERVER_TIMEOUT"  envDefault:"0s"`
	ServersFile    string        `env:"SERVERS_FILE"`

	AcceptBackoff   time.Duration `env:"ACCEPT_BACKOFF"   envDefault:"1s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ProbeInterval   time.Duration `env:"PROBE_INTERVAL"   envDefault:"10s"`

	// Admission control. Zero capacity disables it.
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"0"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"0"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"1000"`

	// Observability. Zero port disables the server.
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig parses the environment variables selected by opts.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the mode and the forward address. Missing addresses are
// reported by the tunnel itself before it binds.
func (c Config) Validate() error {
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.ForwardAddr != "" {
		if _, err := transport.ParseAddress(c.ForwardAddr); err != nil {
			return err
		}
	}
	return nil
}

// Servers returns the upstream server list: the YAML file when configured,
// otherwise the single server from the environment.
func (c Config) Servers() ([]transport.ServerConfig, error) {
	if c.ServersFile != "" {
		return balancer.LoadServers(c.ServersFile)
	}
	if c.ServerAddr == "" {
		return nil, merrors.ErrNoServers
	}
	return []transport.ServerConfig{{
		Address:  c.ServerAddr,
		Method:   c.ServerMethod,
		Password: c.ServerPassword,
		Timeout:  c.ServerTimeout,
	}}, nil
}

// Sockopts returns the socket tuning for client and upstream sockets.
func (c Config) Sockopts() sockopt.Options {
	return sockopt.Options{
		NoDelay:   c.NoDelay,
		KeepAlive: c.KeepAlive,
		Mark:      c.Fwmark,
	}
}
