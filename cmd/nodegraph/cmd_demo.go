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
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nodegraph/internal/checkpoint"
	"github.com/AleutianAI/nodegraph/internal/demo"
	"github.com/AleutianAI/nodegraph/internal/graph"
)

func newDemoCmd(a *app) *cobra.Command {
	var (
		goals  []string
		resume bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Plan and execute goals against the workspace",
		Long: `Seeds one Plan node per goal and runs the graph. Every plan shares a
global ProjectAnalysis of the workspace and enqueues an Execute node that
writes PLAN-<goal>.md. The graph is checkpointed while it runs, so
"nodegraph inspect --watch" can follow along.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(goals) == 0 && !resume {
				goals = []string{"add logging"}
			}
			return a.runDemo(cmd.Context(), goals, resume)
		},
	}
	cmd.Flags().StringArrayVarP(&goals, "goal", "g", nil, `goal to plan, repeatable (default "add logging")`)
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the existing checkpoint")
	return cmd
}

func (a *app) runDemo(ctx context.Context, goals []string, resume bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := a.graphConfig(&demo.Reverter{Logger: a.logger.Slog()})
	if err != nil {
		return err
	}
	path, err := a.checkpointPath()
	if err != nil {
		return err
	}

	var g *graph.Graph
	if resume {
		g, _, err = checkpoint.Resume(ctx, cfg, path)
	} else {
		g, err = graph.New(cfg)
	}
	if err != nil {
		return err
	}
	for _, goal := range goals {
		id, err := g.AddNode(demo.TypePlan, demo.PlanInput{Goal: goal})
		if err != nil {
			return fmt.Errorf("seed plan %q: %w", goal, err)
		}
		a.logger.Slog().Debug("plan seeded", slog.String("goal", goal), slog.String("node", id))
	}

	saves := a.checkpointOnChange(g, path)
	runErr := g.Run(ctx)
	saves.stop()

	if err := a.persist(context.WithoutCancel(ctx), g, path); err != nil {
		return errors.Join(runErr, err)
	}
	if err := renderGraph(a.stdout, g.Export()); err != nil {
		return err
	}
	return runErr
}

type saver struct {
	unsubscribe func()
	wg          sync.WaitGroup
}

func (s *saver) stop() {
	s.unsubscribe()
	s.wg.Wait()
}

// checkpointOnChange rewrites the checkpoint whenever g reports a change.
// Signals coalesce, so a slow disk only delays the next save.
func (a *app) checkpointOnChange(g *graph.Graph, path string) *saver {
	ch, unsubscribe := g.Subscribe()
	s := &saver{unsubscribe: unsubscribe}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range ch {
			if err := checkpoint.Save(g.Export(), a.cfg.Snapshot.Name, path); err != nil {
				a.logger.Slog().Warn("checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}()
	return s
}

// persist writes the final checkpoint and, with the badger backend, a
// named snapshot.
func (a *app) persist(ctx context.Context, g *graph.Graph, path string) error {
	data := g.Export()
	if err := checkpoint.Save(data, a.cfg.Snapshot.Name, path); err != nil {
		return err
	}
	store, err := a.snapshotStore()
	if err != nil || store == nil {
		return err
	}
	return store.Save(ctx, a.cfg.Snapshot.Name, data)
}
