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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/nodegraph/internal/checkpoint"
	"github.com/AleutianAI/nodegraph/internal/graph"
)

// watchDebounce collapses the write-then-rename burst of one checkpoint save.
const watchDebounce = 100 * time.Millisecond

type inspectOptions struct {
	watch     bool
	trace     bool
	json      bool
	fromStore bool
}

func newInspectCmd(a *app) *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect [checkpoint]",
		Short: "Show the nodes of a checkpointed graph",
		Long: `Renders the node table of a checkpoint file, by default the configured
snapshot in the workspace. With --watch the table is redrawn every time the
file changes until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.fromStore {
				if opts.watch {
					return errors.New("--watch reads checkpoint files and cannot be combined with --from-store")
				}
				data, err := a.loadStored(ctx)
				if err != nil {
					return err
				}
				return a.show(data, opts)
			}

			path, err := a.inspectPath(args)
			if err != nil {
				return err
			}
			if !opts.watch {
				cp, err := checkpoint.Load(path)
				if err != nil {
					return err
				}
				return a.show(cp.Data, opts)
			}
			return watchFile(ctx, path, func() {
				cp, err := checkpoint.Load(path)
				if err != nil {
					// A half-written or missing file is picked up on the next event.
					a.logger.Slog().Debug("checkpoint not readable", slog.String("error", err.Error()))
					return
				}
				if err := a.show(cp.Data, opts); err != nil {
					a.logger.Slog().Warn("render failed", slog.String("error", err.Error()))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "redraw whenever the checkpoint changes")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "also print the graph trace")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the raw graph data as JSON")
	cmd.Flags().BoolVar(&opts.fromStore, "from-store", false, "read the named snapshot from the badger store")
	return cmd
}

func (a *app) inspectPath(args []string) (string, error) {
	if len(args) == 1 {
		return filepath.Abs(args[0])
	}
	return a.checkpointPath()
}

func (a *app) loadStored(ctx context.Context) (*graph.GraphData, error) {
	store, err := a.snapshotStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("--from-store requires cache.backend: badger")
	}
	return store.Load(ctx, a.cfg.Snapshot.Name)
}

func (a *app) show(data *graph.GraphData, opts inspectOptions) error {
	if opts.json {
		return writeJSON(a.stdout, data)
	}
	if err := renderGraph(a.stdout, data); err != nil {
		return err
	}
	if opts.trace {
		return renderTrace(a.stdout, data)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// watchFile calls onChange once at start and again after every burst of
// changes to path, until ctx is done.
//
// Description:
//
//	The parent directory is watched rather than the file itself, because
//	atomic saves replace the file and a watch on the old inode would go
//	quiet after the first rename.
//
// Inputs:
//
//	ctx - Stops the watch when cancelled.
//	path - File to follow. Its directory must exist.
//	onChange - Called from the watching goroutine, never concurrently.
//
// Outputs:
//
//	error - nil after ctx is done, otherwise the watcher failure.
func watchFile(ctx context.Context, path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	onChange()

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				timer.Reset(watchDebounce)
			}
		case <-timer.C:
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}
