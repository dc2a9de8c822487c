package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/app"
	"github.com/sperwe/Tree-Style-History-sub000/internal/config"
	"github.com/sperwe/Tree-Style-History-sub000/internal/daemon"
	"github.com/sperwe/Tree-Style-History-sub000/internal/logging"
)

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(os.Stderr, cfg.Logging, c.globals != nil && c.globals.Verbose)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("tshistory starting", "version", c.version, "session", a.Session)
	return daemon.New(a, daemonOptions(cfg), log.With("component", "daemon")).Run(ctx)
}

func (c *ServeCommand) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Daemon.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Daemon.Port = c.Port
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
}

// daemonOptions maps the daemon section of cfg onto server options.
func daemonOptions(cfg *config.Config) daemon.Options {
	return daemon.Options{
		Addr:           cfg.Daemon.Addr(),
		RateLimit:      cfg.Daemon.RateLimit,
		Burst:          cfg.Daemon.Burst,
		MaxRequestSize: cfg.Daemon.MaxRequestSize,
		AllowedOrigins: cfg.Daemon.AllowedOrigins,
		PruneInterval:  time.Duration(cfg.Retention.PruneIntervalHours) * time.Hour,
	}
}
