// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/mtunnel"
	"github.com/absmach/mtunnel/examples/simple"
	"github.com/absmach/mtunnel/pkg/balancer"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/health"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/proxy"
	"github.com/absmach/mtunnel/pkg/ratelimit"
	"github.com/absmach/mtunnel/pkg/relay"
	"github.com/absmach/mtunnel/pkg/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix    = "MTUNNEL_"
	maxGoroutine = 50000
)

func main() {
	envFile := pflag.String("env-file", ".env", "file with environment variables")
	localAddr := pflag.StringP("local-addr", "b", "", "local address to listen on")
	forwardAddr := pflag.StringP("forward-addr", "f", "", "target address every tunnel connects to")
	serverAddr := pflag.StringP("server-addr", "s", "", "upstream server address")
	serversFile := pflag.String("servers-file", "", "YAML file with the upstream server list")
	logLevel := pflag.String("log-level", "", "log level: trace, debug, info, warn, error")
	verbose := pflag.BoolP("verbose", "v", false, "log every tunnel event")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && pflag.CommandLine.Changed("env-file") {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := mtunnel.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}
	override(&cfg.LocalAddr, *localAddr)
	override(&cfg.ForwardAddr, *forwardAddr)
	override(&cfg.ServerAddr, *serverAddr)
	override(&cfg.ServersFile, *serversFile)
	override(&cfg.LogLevel, *logLevel)

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, *verbose, logger); err != nil {
		logger.Error(fmt.Sprintf("mTunnel service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mTunnel service stopped")
}

func override(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}

func run(cfg mtunnel.Config, verbose bool, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tcfg := proxy.TunnelConfig{
		LocalAddr:       cfg.LocalAddr,
		ForwardAddr:     cfg.ForwardAddr,
		EnableTCP:       cfg.Mode.EnableTCP(),
		Sockopts:        cfg.Sockopts(),
		AcceptBackoff:   cfg.AcceptBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}
	// Tunnel settings are reported before the upstream list is resolved.
	if _, err := tcfg.Validate(); err != nil {
		return err
	}
	servers, err := cfg.Servers()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("mtunnel", reg)

	lb, err := balancer.New(balancer.Config{
		Servers:       servers,
		ProbeInterval: cfg.ProbeInterval,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var hooks handler.Chain
	if cfg.RateLimitCapacity > 0 {
		admission := ratelimit.NewAdmission(ratelimit.Config{
			Capacity:         cfg.RateLimitCapacity,
			RefillRate:       cfg.RateLimitRefill,
			GlobalCapacity:   cfg.GlobalRateCapacity,
			GlobalRefillRate: cfg.GlobalRateRefill,
			Metrics:          m,
			Logger:           logger,
		})
		defer admission.Close()
		hooks = append(hooks, admission)
	}
	if verbose {
		hooks = append(hooks, simple.New(logger))
	}

	tcfg.Metrics = m
	tunnel, err := proxy.NewTunnel(tcfg, lb, transport.NewDialer(transport.Config{Sockopts: cfg.Sockopts()}), hooks)
	if err != nil {
		return err
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("upstreams", true, lb.Check)
	checker.Register("goroutines", false, func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.Set(float64(count))
		if count > maxGoroutine {
			return fmt.Errorf("too many goroutines: %d > %d", count, maxGoroutine)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tunnel.Listen(ctx)
	})
	g.Go(func() error {
		return lb.Run(ctx)
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), mux, logger)
		})
	}
	if cfg.HealthPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), checker.Handler(), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	return g.Wait()
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "trace":
		logLevel = relay.LevelTrace
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == relay.LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
