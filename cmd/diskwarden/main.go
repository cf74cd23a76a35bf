package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/daemon"
	"git.home.luguber.info/inful/diskwarden/internal/version"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"diskwarden.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Daemon struct {
	} `cmd:"" help:"Run the disk lifecycle daemon for this host"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Status struct {
		AllTickets bool `help:"List outstanding repair tickets fleet-wide"`
	} `cmd:"" help:"Show devices, open operations and live instances"`
}

func main() {
	kctx := kong.Parse(&CLI, kong.Vars{"version": version.String()})

	switch kctx.Command() {
	case "daemon":
		cfg, err := loadConfig()
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		setupLogging(cfg)
		if err := runDaemon(cfg); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("init failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", CLI.Config)
	case "status":
		cfg, err := loadConfig()
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		setupLogging(cfg)
		if err := runStatus(cfg, CLI.Status.AllTickets); err != nil {
			slog.Error("status failed", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(CLI.Config)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
