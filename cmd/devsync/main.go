// Command devsync keeps vendor smart-home devices in sync with the UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/app"
	"github.com/dokzlo13/devsync/internal/config"
)

// Set at build time: go build -ldflags "-X main.version=1.2.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath  string
	resetState  bool
	checkOnly   bool
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("devsync", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	fs.BoolVar(&opts.resetState, "reset-state", false, "Clear stored device state snapshots on startup")
	fs.BoolVar(&opts.checkOnly, "check", false, "Validate the configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print the version and exit")
	return opts, fs.Parse(args)
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("devsync %s (%s)\n", version, commit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Error().Err(err).Msg("devsync failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", opts.configPath, err)
	}
	if opts.checkOnly {
		fmt.Printf("%s: ok, %d families\n", opts.configPath, len(cfg.Families))
		return nil
	}

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("config", opts.configPath).
		Msg("Starting devsync")

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	if opts.resetState {
		log.Info().Msg("Clearing stored state snapshots (--reset-state)")
		if err := application.ResetSnapshots(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear state snapshots")
		}
	}

	return application.Run(ctx)
}

func setupLogging(cfg config.LogConfig) error {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
