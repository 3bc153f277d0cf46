// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/beetle/config"
	"github.com/absmach/beetle/dedup"
	"github.com/absmach/beetle/failover"
	"github.com/absmach/beetle/server/health"
	"github.com/absmach/beetle/transport"
)

const usage = `Usage: beetle <command> [flags]

Commands:
  configuration-server   monitor the Redis replica set, elect masters
                         and broadcast master changes
  configuration-client   follow master announcements and redirect the
                         local deduplication store

Run "beetle <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "configuration-server":
		runServer(os.Args[2:])
	case "configuration-client":
		runClient(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

// commonFlags are shared by both daemons; command line values override
// the configuration file.
type commonFlags struct {
	configFile        string
	redisServers      string
	redisRetryTimeout time.Duration
	healthAddr        string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "Path to configuration file")
	fs.StringVar(&f.redisServers, "redis-servers", "", "Comma-separated replica set addresses in promotion priority order")
	fs.DurationVar(&f.redisRetryTimeout, "redis-retry-timeout", 0, "How long a silent master is tolerated before failover")
	fs.StringVar(&f.healthAddr, "health-addr", "", "Health endpoint listen address")
}

func (f *commonFlags) load() *config.Config {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if f.redisServers != "" {
		cfg.Redis.Servers = strings.Split(f.redisServers, ",")
	}
	if f.redisRetryTimeout > 0 {
		cfg.Redis.RetryTimeout = f.redisRetryTimeout
	}
	if f.healthAddr != "" {
		cfg.Health.Addr = f.healthAddr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServer(args []string) {
	fs := flag.NewFlagSet("configuration-server", flag.ExitOnError)
	var flags commonFlags
	flags.register(fs)
	fs.Parse(args)

	cfg := flags.load()
	logger := newLogger(cfg)

	slog.Info("Starting configuration server",
		"redis_servers", cfg.Redis.Servers,
		"check_interval", cfg.Redis.CheckInterval,
		"retry_timeout", cfg.Redis.RetryTimeout,
		"brokers", cfg.Broker.Servers,
		"health_enabled", cfg.Health.Enabled)

	pool := transport.NewPool(cfg.Broker.Servers, transport.NewDialer(cfg, logger))
	defer pool.Close()

	insp := failover.NewRedisInspector(cfg.Redis)
	defer insp.Close()

	notifier := failover.NewAMQPChannel(cfg, pool, logger)
	srv := failover.NewServer(cfg, insp, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, srv, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		slog.Error("Configuration server failed", "error", err)
		os.Exit(1)
	}
	wg.Wait()
}

func runClient(args []string) {
	fs := flag.NewFlagSet("configuration-client", flag.ExitOnError)
	var flags commonFlags
	flags.register(fs)
	fs.Parse(args)

	cfg := flags.load()
	logger := newLogger(cfg)

	slog.Info("Starting configuration client",
		"redis_servers", cfg.Redis.Servers,
		"brokers", cfg.Broker.Servers,
		"health_enabled", cfg.Health.Enabled)

	pool := transport.NewPool(cfg.Broker.Servers, transport.NewDialer(cfg, logger))
	defer pool.Close()

	insp := failover.NewRedisInspector(cfg.Redis)
	defer insp.Close()

	// Until the first announcement arrives the store talks to the
	// highest-priority server.
	store := dedup.NewRedisStore(cfg, cfg.Redis.Servers[0], logger)
	defer store.Close()

	listener := failover.NewAMQPChannel(cfg, pool, logger)
	client := failover.NewClient(cfg, listener, insp, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, nil, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
	}

	if err := client.Run(ctx); err != nil {
		slog.Error("Configuration client failed", "error", err)
		os.Exit(1)
	}
	wg.Wait()
}
