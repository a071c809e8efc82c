// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nbrandt/strec/internal/api"
	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/recorder"
	"github.com/nbrandt/strec/internal/resolver"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yml"
	}
	return filepath.Join(home, "strec", "config.yml")
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", defaultConfigPath(), "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("strecd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "strec", Version: version})
		bootLogger := log.WithComponent("daemon")
		bootLogger.Fatal().Err(err).Str("config_path", *configPath).Msg("cannot load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "strec", Version: version})
	logger := log.WithComponent("daemon")

	if cfg.ResolverURL == "" {
		logger.Fatal().Msg("no resolver endpoint configured, set resolverUrl or STREC_RESOLVER_URL")
	}
	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.RecordingsDir).Msg("cannot create recordings directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 30 * time.Second}
	rec := recorder.NewLocal(cfg, client, resolver.New(cfg.ResolverURL, client))
	defer rec.Shutdown()

	logger.Info().
		Str("version", version).
		Str("dir", cfg.RecordingsDir).
		Str("addr", cfg.ListenAddress).
		Int("models", len(cfg.Models)).
		Msg("starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.New(cfg, rec).ListenAndServe(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("shutdown complete")
}
