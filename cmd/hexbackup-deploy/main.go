// Package main is the entry point for the hexbackup deploy tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/hexmostafa/hexbackup-deploy/internal/config"
	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
	"github.com/hexmostafa/hexbackup-deploy/internal/journal"
	"github.com/hexmostafa/hexbackup-deploy/internal/lifecycle"
	"github.com/hexmostafa/hexbackup-deploy/internal/waitfile"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Check for subcommands before anything else. Any argument other than
	// the known verbs selects an install, matching the historical behavior
	// of the shell installer this tool replaces.
	verb := "install"
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("hexbackup-deploy %s\n", version)
			return
		case "await-config":
			runAwaitConfig(os.Args[2:])
			return
		case "uninstall":
			verb = "uninstall"
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	jnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		logger.Warn("deployment journal unavailable", "error", err)
	} else {
		defer jnl.Close()
	}

	ctl := lifecycle.New(cfg, logger, execx.System{}, jnl)

	logger.Info("starting", "version", version, "verb", verb)

	switch verb {
	case "uninstall":
		err = ctl.Uninstall(ctx)
	default:
		err = ctl.Install(ctx)
	}
	if err != nil {
		logger.Error("deployment failed", "verb", verb, "error", err)
		os.Exit(1)
	}
}

// runAwaitConfig blocks until the given file exists. It backs the unit's
// start precondition, so it runs with journald as its terminal.
// Usage: hexbackup-deploy await-config -file PATH [-interval DUR]
func runAwaitConfig(args []string) {
	fs := flag.NewFlagSet("await-config", flag.ExitOnError)
	file := fs.String("file", "", "File to wait for")
	interval := fs.Duration("interval", 5*time.Second, "Poll interval between checks")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		fs.Usage()
		os.Exit(1)
	}

	logger := setupLogger(
		os.Getenv("HEXBACKUP_DEPLOY_LOG_LEVEL"),
		os.Getenv("HEXBACKUP_DEPLOY_LOG_FORMAT"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := waitfile.Wait(ctx, logger, *file, *interval); err != nil {
		logger.Error("wait for configuration failed", "file", *file, "error", err)
		os.Exit(1)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// "auto" picks text on a terminal and json otherwise, so service logs
	// land in journald as structured records.
	if format == "auto" || format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}

	var slogHandler slog.Handler
	if format == "json" {
		slogHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		slogHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(slogHandler)
}
