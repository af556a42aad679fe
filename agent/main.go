// Command agent joins a relay room on behalf of a local editor. Editor UIs
// connect to its /ws endpoint, send ops and receive the shared text and
// remote cursors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/seed"
	"collabtext/internal/syncagent"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, uiDir, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, uiDir, logger)
}

// loadConfig resolves the config file and flag overrides into a validated
// agent configuration.
func loadConfig(args []string) (*config.Config, string, error) {
	var configPath, relayURL, room, user, file, listen, uiDir, logLevel string
	var discover bool

	flagSet := pflag.NewFlagSet("collabtext-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("COLLABTEXT_CONFIG"), "path to YAML config file")
	flagSet.StringVar(&relayURL, "relay", "", "relay websocket URL")
	flagSet.BoolVar(&discover, "discover", false, "find the relay over mDNS when no relay URL is set")
	flagSet.StringVar(&room, "room", "", "room to join")
	flagSet.StringVarP(&user, "user", "u", "", "display name shown to collaborators")
	flagSet.StringVarP(&file, "file", "f", "", "artifact that seeds a fresh room and receives saves")
	flagSet.StringVar(&listen, "listen", "", "address for editor UIs")
	flagSet.StringVar(&uiDir, "ui", "", "directory of static editor UI files to serve")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{relayURL, &cfg.Agent.RelayURL},
		{room, &cfg.Agent.Room},
		{user, &cfg.Agent.UserName},
		{file, &cfg.Seed.File},
		{listen, &cfg.Agent.Listen},
		{logLevel, &cfg.Logging.Level},
	} {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	if discover {
		cfg.Discovery.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return nil, "", err
	}
	return cfg, uiDir, nil
}

func serve(ctx context.Context, cfg *config.Config, uiDir string, logger *slog.Logger) error {
	source, saver, closeStore, err := openSeed(ctx, cfg.Seed)
	if err != nil {
		return err
	}
	defer closeStore()

	url := cfg.Agent.RelayURL
	if url == "" {
		logger.Info("browsing for a relay", "service", cfg.Discovery.Service)
		browseCtx, cancel := context.WithTimeout(ctx, cfg.Discovery.BrowseTimeout)
		url, err = discovery.Browse(browseCtx, cfg.Discovery.Service, cfg.Discovery.Domain)
		cancel()
		if err != nil {
			return fmt.Errorf("finding relay: %w", err)
		}
		logger.Info("found relay", "url", url)
	}

	hub := newHub(logger)
	agent, err := syncagent.New(syncagent.Options{
		URL:      url,
		Room:     cfg.Agent.Room,
		UserName: cfg.Agent.UserName,
		Seed:     source,
		Saver:    saver,
		Buffer:   hub,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.Agent.ReconnectInitial
			b.MaxInterval = cfg.Agent.ReconnectMax
			b.MaxElapsedTime = 0
			return b
		},
		WriteTimeout: cfg.Relay.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	hub.editor = agent
	go hub.run(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.serveWs)
	if uiDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	}
	srv := &http.Server{
		Addr:              cfg.Agent.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ListenAndServe() }()
	logger.Info("agent running", "room", cfg.Agent.Room, "user", cfg.Agent.UserName, "editors", "ws://"+cfg.Agent.Listen+"/ws")

	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(ctx) }()

	select {
	case err = <-agentDone:
	case err = <-serveDone:
		err = fmt.Errorf("serving editors: %w", err)
	case <-ctx.Done():
		err = <-agentDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return err
}

// openSeed builds the seed chain from the configured stores. Loads try
// file, bolt then postgres; saves go to all of them. saver is nil when no
// store is configured.
func openSeed(ctx context.Context, cfg config.SeedConfig) (source seed.Source, saver seed.Saver, closeAll func(), err error) {
	var (
		sources []seed.Source
		savers  []seed.Saver
		closers []func()
	)
	closeAll = func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.File != "" {
		f := seed.File{Path: cfg.File}
		sources = append(sources, f)
		savers = append(savers, f)
	}
	if cfg.BoltPath != "" {
		b, err := seed.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, func() { b.Close() })
		sources = append(sources, b)
		savers = append(savers, b)
	}
	if cfg.PostgresURL != "" {
		p, err := seed.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, p.Close)
		sources = append(sources, p)
		savers = append(savers, p)
	}

	if len(savers) > 0 {
		saver = seed.Fanout(savers)
	}
	return seed.Chain(sources), saver, closeAll, nil
}
