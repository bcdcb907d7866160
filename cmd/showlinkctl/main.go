package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/showlink/internal/config"
	"github.com/danmuck/showlink/internal/observability"
	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
)

const ShowlinkCtlVersion = "0.1.0"

const usage = `Show-control replicant client.

Usage:
    showlinkctl run [--config=<path>] [--env=<file>]
    showlinkctl watch [--config=<path>] [--env=<file>]
    showlinkctl send [--config=<path>] [--env=<file>] [--wait=<duration>] <bundle> <command> [<payload>]
    showlinkctl init [--force] <dir>
    showlinkctl -h | --help
    showlinkctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<path>      Service config file [default: showlink.toml].
    --env=<file>         Env file loaded before the config; .env is tried when unset.
    --wait=<duration>    How long send waits for a live connection [default: 10s].
    --force              Overwrite existing files.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], ShowlinkCtlVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "showlinkctl: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "showlinkctl: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, opts docopt.Opts) error {
	if initDir, _ := opts.Bool("init"); initDir {
		dir, _ := opts.String("<dir>")
		force, _ := opts.Bool("--force")
		return initConfig(dir, force)
	}

	if envFile, _ := opts.String("--env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	path, _ := opts.String("--config")
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("showlinkctl").With().Str("instance", cfg.Instance).Logger()

	if run, _ := opts.Bool("run"); run {
		return runService(ctx, cfg, logger)
	} else if watch, _ := opts.Bool("watch"); watch {
		return watchReplicants(ctx, cfg, logger, os.Stdout)
	} else if send, _ := opts.Bool("send"); send {
		bundle, _ := opts.String("<bundle>")
		command, _ := opts.String("<command>")
		payload, _ := opts.String("<payload>")
		waitRaw, _ := opts.String("--wait")
		wait, err := time.ParseDuration(waitRaw)
		if err != nil {
			return fmt.Errorf("parse --wait: %w", err)
		}
		return sendCommand(ctx, cfg, logger, os.Stdout, sendArgs{
			bundle:  bundle,
			command: command,
			payload: payload,
			wait:    wait,
		})
	}
	return nil
}

func initConfig(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range []struct{ name, kind string }{
		{"showlink.toml", "service"},
		{"bundles.toml", "bundles"},
	} {
		path := filepath.Join(dir, f.name)
		if err := config.WriteTemplate(path, f.kind, force); err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}
