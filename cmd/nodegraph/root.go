// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/nodegraph/internal/cache"
	"github.com/AleutianAI/nodegraph/internal/config"
	"github.com/AleutianAI/nodegraph/internal/demo"
	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/graph"
	"github.com/AleutianAI/nodegraph/internal/storage/badger"
	"github.com/AleutianAI/nodegraph/internal/telemetry"
	"github.com/AleutianAI/nodegraph/pkg/logging"
)

// app carries what every subcommand shares. Fields are filled by the root
// command's PersistentPreRunE and released by close.
type app struct {
	stdout, stderr io.Writer

	configPath  string
	workspace   string
	logLevel    string
	metricsAddr string

	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	metrics *http.Server
	db      *badger.DB
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nodegraph",
		Short:         "Run and inspect dynamic dependency graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a nodegraph YAML config")
	root.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", ".", "directory the file effects operate on")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newInitCmd(a), newDemoCmd(a), newInspectCmd(a), newResetCmd(a), newVersionCmd(a))
	return root
}

// setup loads configuration and starts logging and telemetry.
func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.configPath == "" {
		if p := a.workspaceConfig(); fileExists(p) {
			a.configPath = p
		}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Telemetry.Metrics = "prometheus"
		cfg.Telemetry.MetricsAddr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    jsonLogs(cfg.Logging.Format, a.stderr),
		Quiet:   cfg.Logging.Quiet,
		Output:  a.stderr,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger.Slog())

	a.tel, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.Traces,
		MetricExporter: cfg.Telemetry.Metrics,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Output:         a.stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if h := a.tel.MetricsHandler(); h != nil {
		a.serveMetrics(cfg.Telemetry.MetricsAddr, h)
	}
	return nil
}

// workspaceConfig is where init writes and setup looks for a config when
// --config is not given.
func (a *app) workspaceConfig() string {
	return filepath.Join(a.workspace, ".nodegraph", "config.yaml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// jsonLogs resolves the "auto" format: text on a terminal, JSON otherwise.
func jsonLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) serveMetrics(addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Slog().Error("metrics server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	a.logger.Slog().Info("serving metrics", slog.String("addr", addr))
}

// close releases everything setup and the stores opened.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// workspaceRoot returns the absolute workspace directory.
func (a *app) workspaceRoot() (string, error) {
	root, err := filepath.Abs(a.workspace)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", root)
	}
	return root, nil
}

// checkpointPath returns where the current graph's checkpoint lives.
// Relative snapshot directories are resolved against the workspace.
func (a *app) checkpointPath() (string, error) {
	dir := a.cfg.Snapshot.Dir
	if !filepath.IsAbs(dir) {
		root, err := a.workspaceRoot()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(root, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	return filepath.Join(dir, a.cfg.Snapshot.Name+".json"), nil
}

// openBadger opens the shared badger database once.
func (a *app) openBadger() (*badger.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	path := a.cfg.Cache.BadgerPath
	if !filepath.IsAbs(path) {
		root, err := a.workspaceRoot()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(root, path)
	}
	cfg := badger.DefaultConfig(path)
	cfg.Logger = a.logger.Slog()
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

// effectCache builds the configured effect cache. A nil cache is returned
// for the none backend.
func (a *app) effectCache() (effect.Cache, error) {
	switch a.cfg.Cache.Backend {
	case "memory":
		return cache.New(
			cache.WithMaxEntries(a.cfg.Cache.MaxEntries),
			cache.WithMaxAge(a.cfg.Cache.TTL),
		), nil
	case "badger":
		db, err := a.openBadger()
		if err != nil {
			return nil, err
		}
		return badger.NewCache(db, a.cfg.Cache.TTL), nil
	default:
		return nil, nil
	}
}

// snapshotStore returns the badger snapshot store, or nil unless the cache
// backend is badger.
func (a *app) snapshotStore() (*badger.SnapshotStore, error) {
	if a.cfg.Cache.Backend != "badger" {
		return nil, nil
	}
	db, err := a.openBadger()
	if err != nil {
		return nil, err
	}
	return badger.NewSnapshotStore(db), nil
}

// graphConfig assembles the demo graph configuration.
func (a *app) graphConfig(rev graph.RevertProvider) (graph.Config, error) {
	root, err := a.workspaceRoot()
	if err != nil {
		return graph.Config{}, err
	}
	c, err := a.effectCache()
	if err != nil {
		return graph.Config{}, err
	}

	var opts demo.Options
	if a.cfg.Effects.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(a.cfg.Effects.RateLimit), max(1, a.cfg.Effects.Burst))
	}
	return graph.Config{
		Definitions: demo.Definitions(opts),
		Cache:       c,
		Revert:      rev,
		Extra:       &demo.Workspace{Root: root},
		Logger:      a.logger.Slog(),
	}, nil
}
