package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/frameline/internal/compaction"
	"github.com/floegence/frameline/internal/config"
	"github.com/floegence/frameline/internal/lockfile"
	"github.com/floegence/frameline/internal/notify"
	"github.com/floegence/frameline/internal/sessionlog"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("framelined %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `framelined

Usage:
  framelined init [flags]
  framelined run [flags]
  framelined version

Commands:
  init        Write a starter config file.
  run         Serve the frame log using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "127.0.0.1:7431", "HTTP/websocket listen address")
	providerType := fs.String("provider", "anthropic", "Summarization provider: anthropic|openai|openai_compatible")
	model := fs.String("model", "claude-sonnet-4-5", "Summarization model id")
	apiKeyEnv := fs.String("api-key-env", "ANTHROPIC_API_KEY", "Environment variable holding the provider api key")

	_ = fs.Parse(args)

	cfg := &config.Config{
		ListenAddr: strings.TrimSpace(*listen),
		Provider: &config.Provider{
			Type:      strings.TrimSpace(*providerType),
			Model:     strings.TrimSpace(*model),
			APIKeyEnv: strings.TrimSpace(*apiKeyEnv),
		},
	}
	if err := config.Save(strings.TrimSpace(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", strings.TrimSpace(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(strings.TrimSpace(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)

	stateDir := strings.TrimSpace(cfg.StateDir)
	if stateDir == "" {
		stateDir = config.DefaultStateDir()
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		os.Exit(1)
	}

	lock, err := lockfile.Acquire(filepath.Join(stateDir, "framelined.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another framelined is already running against %s\n", stateDir)
		} else {
			fmt.Fprintf(os.Stderr, "acquire lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	var caller compaction.AgentCaller
	if cfg.Provider != nil && cfg.Compaction.EnabledOrDefault() {
		key, ok := cfg.Provider.ResolveAPIKey()
		if !ok {
			fmt.Fprintf(os.Stderr, "provider api key not set: export %s\n", cfg.Provider.APIKeyEnv)
			os.Exit(1)
		}
		caller, err = compaction.NewCaller(cfg.Provider.Type, cfg.Provider.BaseURL, key, cfg.Provider.Model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "provider: %v\n", err)
			os.Exit(1)
		}
	}

	hub := notify.New(notify.Options{Logger: logger})

	svc, err := sessionlog.NewService(sessionlog.Options{
		Logger:     logger,
		StateDir:   stateDir,
		Compaction: cfg.Compaction,
		Caller:     caller,
		Notifier:   hubNotifier{hub: hub},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session log: %v\n", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newHandler(logger, svc, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("framelined listening", "addr", cfg.ListenAddr, "state_dir", stateDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	hub.Close()
	_ = svc.Close()
}

// hubNotifier adapts the websocket hub to the scheduler's notifier.
type hubNotifier struct {
	hub *notify.Hub
}

func (n hubNotifier) Notify(sessionID string, event compaction.Event) {
	n.hub.Notify(sessionID, event)
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.TrimSpace(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.TrimSpace(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
