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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nodegraph/internal/checkpoint"
	"github.com/AleutianAI/nodegraph/internal/demo"
	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/graph"
)

var (
	errNoMatch   = errors.New("no node matches")
	errAmbiguous = errors.New("node prefix is ambiguous")
)

type resetOptions struct {
	delete     bool
	keepFiles  bool
	run        bool
	purgeCache bool
}

// purger is implemented by both effect cache backends.
type purger interface {
	Purge() error
}

func newResetCmd(a *app) *cobra.Command {
	var opts resetOptions
	cmd := &cobra.Command{
		Use:   "reset <node>",
		Short: "Reset or delete a node of the checkpointed graph",
		Long: `Resets the node whose id starts with <node>, along with everything that
depends on it and everything it created that nothing else still needs.
Effects of the removed work are reverted unless --keep-files is given.
The checkpoint is rewritten afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReset(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.delete, "delete", false, "remove the node instead of resetting it")
	cmd.Flags().BoolVar(&opts.keepFiles, "keep-files", false, "do not revert file writes")
	cmd.Flags().BoolVar(&opts.run, "run", false, "run the graph again after the reset")
	cmd.Flags().BoolVar(&opts.purgeCache, "purge-cache", false, "drop cached effect results so a rerun recomputes them")
	return cmd
}

func (a *app) runReset(ctx context.Context, prefix string, opts resetOptions) error {
	rev := &demo.Reverter{Logger: a.logger.Slog()}
	if opts.keepFiles {
		rev.Keep = map[effect.ID]bool{demo.EffectWrite: true}
	}
	cfg, err := a.graphConfig(rev)
	if err != nil {
		return err
	}
	path, err := a.checkpointPath()
	if err != nil {
		return err
	}
	g, _, err := checkpoint.Resume(ctx, cfg, path)
	if err != nil {
		return err
	}
	if opts.purgeCache {
		if p, ok := cfg.Cache.(purger); ok {
			if err := p.Purge(); err != nil {
				return fmt.Errorf("purge cache: %w", err)
			}
			a.logger.Slog().Info("effect cache purged", slog.String("backend", a.cfg.Cache.Backend))
		}
	}

	id, err := matchNode(g, prefix)
	if err != nil {
		return err
	}
	if opts.delete {
		err = g.DeleteNode(ctx, id)
	} else {
		err = g.ResetNode(ctx, id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s, %d effects reverted\n", verb(opts.delete), short(id), len(rev.Reverted()))

	var runErr error
	if opts.run {
		runErr = g.Run(ctx)
	}
	if err := a.persist(context.WithoutCancel(ctx), g, path); err != nil {
		return errors.Join(runErr, err)
	}
	if err := renderGraph(a.stdout, g.Export()); err != nil {
		return err
	}
	return runErr
}

func verb(deleted bool) string {
	if deleted {
		return "deleted"
	}
	return "reset"
}

// matchNode resolves a full id or a unique id prefix.
func matchNode(g *graph.Graph, prefix string) (string, error) {
	if _, ok := g.Node(prefix); ok {
		return prefix, nil
	}
	var found []string
	for _, n := range g.Nodes() {
		if strings.HasPrefix(n.ID, prefix) {
			found = append(found, n.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w %q", errNoMatch, prefix)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d nodes", errAmbiguous, prefix, len(found))
	}
}
