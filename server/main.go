// Command server is the collabtext relay. It keeps one replica per room,
// answers subscribes with the room's state and fans deltas and cursor
// frames out to the other members.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/presence"
	"collabtext/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, logLevel string
	var advertise bool

	flagSet := pflag.NewFlagSet("collabtext-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("COLLABTEXT_CONFIG"), "path to YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides relay.addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
	flagSet.BoolVar(&advertise, "advertise", false, "advertise the relay over mDNS (overrides discovery.enabled)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Relay.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if flagSet.Changed("advertise") {
		cfg.Discovery.Enabled = advertise
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var reporter presence.Reporter = presence.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)

		host, _ := os.Hostname()
		rep := presence.NewRedis(rdb, presence.RedisOptions{
			Prefix: cfg.Redis.Prefix,
			Relay:  host + cfg.Relay.Addr,
		}, logger)
		go rep.Run(ctx)
		reporter = rep
	}

	r := relay.New(relay.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		PongWait:       cfg.Relay.PongWait,
		Presence:       reporter,
		Logger:         logger,
	})

	ln, err := net.Listen("tcp", cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.Addr, err)
	}

	if cfg.Discovery.Enabled {
		host, _ := os.Hostname()
		port := ln.Addr().(*net.TCPAddr).Port
		withdraw, err := discovery.Advertise("collabtext-"+host, cfg.Discovery.Service, cfg.Discovery.Domain, port, cfg.Relay.Path)
		if err != nil {
			ln.Close()
			return err
		}
		defer withdraw()
		logger.Info("advertising relay", "service", cfg.Discovery.Service, "port", strconv.Itoa(port))
	}

	srv := &http.Server{
		Handler:           r.Handler(cfg.Relay.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- r.Run(ctx) }()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ln) }()

	logger.Info("relay listening", "addr", ln.Addr().String(), "path", cfg.Relay.Path)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return fmt.Errorf("serving http: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return <-loopDone
}
