// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command webmock is the CLI entry point: capture a browser session as a
// snapshot, replay one as a mock server, or manage the snapshot store.
// Flag parsing is intentionally minimal (stdlib flag, no subcommand
// framework) — the interesting behavior lives in the pkg/ packages this
// wires together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webmock-go/webmock/internal/config"
	"github.com/webmock-go/webmock/internal/logging"
	"github.com/webmock-go/webmock/pkg/capture"
	"github.com/webmock-go/webmock/pkg/replayserver"
	"github.com/webmock-go/webmock/pkg/snapshotstore"
	"github.com/webmock-go/webmock/pkg/tlsengine"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "capture":
		err = runCapture(cfg, os.Args[2:])
	case "serve":
		err = runServe(cfg, os.Args[2:])
	case "list":
		err = runList(cfg, os.Args[2:])
	case "delete":
		err = runDelete(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("webmock: command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: webmock <capture|serve|list|delete> [flags]")
}

func runCapture(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	url := fs.String("url", "", "URL to capture (http or https)")
	name := fs.String("name", "", "snapshot name to save as")
	timeout := fs.Duration("timeout", cfg.CaptureTimeout, "network-idle wait cap")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *url == "" || *name == "" {
		return errors.New("capture: --url and --name are required")
	}

	ca, err := tlsengine.New()
	if err != nil {
		return fmt.Errorf("capture: build CA: %w", err)
	}
	store := snapshotstore.New(cfg.SnapshotDir)
	session := capture.NewSession(store, capture.NopBrowserController{}, ca)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+10*time.Second)
	defer cancel()

	if err := session.Capture(ctx, *url, *name, *timeout); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	snap, err := session.Stop(*name, *url)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	log.Info().Str("name", snap.Name).Int("exchanges", len(snap.Exchanges)).Msg("capture complete")
	return nil
}

func runServe(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	name := fs.String("name", "", "snapshot name to replay")
	addr := fs.String("addr", cfg.ListenAddr, "address to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("serve: --name is required")
	}

	store := snapshotstore.New(cfg.SnapshotDir)
	snap, err := store.Load(*name)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ca, err := tlsengine.New()
	if err != nil {
		return fmt.Errorf("serve: build CA: %w", err)
	}

	server, err := replayserver.Start(*addr, snap, ca)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	waitForShutdown(func(ctx context.Context) error { return server.Stop(ctx) }, cfg.GracefulShutdownTimeout)
	return nil
}

func runList(cfg config.Config, args []string) error {
	store := snapshotstore.New(cfg.SnapshotDir)
	metas, err := store.List()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, m := range metas {
		fmt.Printf("%s\t%s\t%s\n", m.Name, m.URL, m.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runDelete(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	name := fs.String("name", "", "snapshot name to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("delete: --name is required")
	}

	store := snapshotstore.New(cfg.SnapshotDir)
	if err := store.Delete(*name); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, then calls stop with a
// timeout-bounded context, matching the MCP proxy's graceful-shutdown shape.
func waitForShutdown(stop func(ctx context.Context) error, timeout time.Duration) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := stop(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("stopped")
}
