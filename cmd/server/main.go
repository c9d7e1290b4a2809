package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nevotalya/dj-server/internal/app"
	"github.com/nevotalya/dj-server/internal/config"
	"github.com/nevotalya/dj-server/internal/log"
)

var (
	flagConfigPath string
	overrides      config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "dj-server",
		Short:         "Relay server for synchronized listen-along playback",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := root.Flags()
	flags.StringVar(&flagConfigPath, "config", "", "path to config.yaml (default ./config.yaml)")
	flags.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	flags.StringVar(&overrides.DBPath, "db", "", "sqlite database path")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	flags.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	flags.DurationVar(&overrides.HeartbeatPeriod, "heartbeat", 0, "WebSocket ping period")
	flags.DurationVar(&overrides.FlushDelay, "flush-delay", 0, "write-behind flush delay")
	flags.IntVar(&overrides.FrameBudget, "frame-budget", 0, "inbound frames per connection per minute (0 keeps the config value)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	bootLogger := log.New("info")

	cfg, path, err := config.Load(bootLogger, flagConfigPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting dj-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(&cfg, logger)
	if err != nil {
		return err
	}

	if err := application.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
