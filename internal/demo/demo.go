// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package demo is a small reference node set: a shared project analysis, a
// per-goal plan, and a plan execution that writes a file and can undo it.
package demo

import (
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/nodegraph/internal/contract"
	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/graph"
	"github.com/AleutianAI/nodegraph/internal/ref"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// Node types.
const (
	TypeProjectAnalysis = "ProjectAnalysis"
	TypePlan            = "Plan"
	TypeExecute         = "Execute"
)

// maxFileSteps bounds the per-file steps a plan proposes.
const maxFileSteps = 5

// Workspace is the graph Extra value the file effects operate on.
type Workspace struct {
	Root string
}

// Options tunes the node set.
type Options struct {
	// Limiter, if set, throttles every file effect.
	Limiter *rate.Limiter
}

// PlanInput is the input of a Plan node.
type PlanInput struct {
	Goal string `json:"goal" validate:"required,max=200"`
}

// Analysis is the result of a ProjectAnalysis node.
type Analysis struct {
	Files []string `json:"files"`
	Count int      `json:"count"`
}

type analysisInput struct {
	Dir string `json:"dir" validate:"required"`
}

type executeInput struct {
	Goal  string   `json:"goal" validate:"required"`
	Steps []string `json:"steps" validate:"min=1"`
}

var (
	planOutput = contract.Object(map[string]*contract.Schema{
		"goal":  contract.String(),
		"steps": contract.Array(contract.String()),
	}, "goal", "steps")

	analysisOutput = contract.Object(map[string]*contract.Schema{
		"files": contract.Array(contract.String()),
		"count": contract.Number(),
	}, "files", "count")

	executeInputSchema = contract.Object(map[string]*contract.Schema{
		"goal":  contract.String(),
		"steps": contract.Array(contract.String()),
	}, "goal", "steps")
)

// Definitions returns the three node definitions.
//
// Description:
//
//	ProjectAnalysis lives in the global scope so every plan shares one
//	instance per directory. Plan opens a task scope per goal, requests the
//	analysis, derives steps and enqueues an Execute continuation whose input
//	references the plan's own result. Execute writes PLAN-<goal>.md through
//	the revertible fs.write effect.
func Definitions(opts Options) []*graph.NodeDefinition {
	scan, write := scanEffect(), writeEffect()
	if opts.Limiter != nil {
		scan = effect.RateLimited(scan, opts.Limiter)
		write = effect.RateLimited(write, opts.Limiter)
	}

	return []*graph.NodeDefinition{
		{
			Type:    TypeProjectAnalysis,
			Scope:   func(any) *scope.Definition { return scope.Global() },
			Input:   contract.Struct[analysisInput]{},
			Output:  analysisOutput,
			Effects: map[effect.ID]*effect.Definition{EffectScan: scan},
			Run:     runAnalysis,
		},
		{
			Type:   TypePlan,
			Scope:  func(any) *scope.Definition { return scope.Task("plan") },
			Input:  contract.Struct[PlanInput]{},
			Output: planOutput,
			Run:    runPlan,
		},
		{
			Type:    TypeExecute,
			Input:   executeInputSchema,
			Effects: map[effect.ID]*effect.Definition{EffectWrite: write},
			Run:     runExecute,
		},
	}
}

func runAnalysis(ctx context.Context, r *graph.Runner, input any) (any, error) {
	in, err := contract.Decode[analysisInput](input)
	if err != nil {
		return nil, err
	}
	return r.Effect(ctx, EffectScan, map[string]any{"dir": in.Dir})
}

func runPlan(ctx context.Context, r *graph.Runner, input any) (any, error) {
	in, err := contract.Decode[PlanInput](input)
	if err != nil {
		return nil, err
	}

	raw, err := r.Dependency(ctx, TypeProjectAnalysis, map[string]any{"dir": "."})
	if err != nil {
		return nil, fmt.Errorf("analyze project: %w", err)
	}
	analysis, err := contract.Decode[Analysis](raw)
	if err != nil {
		return nil, err
	}

	steps := []string{fmt.Sprintf("review project (%d files)", analysis.Count)}
	for _, f := range analysis.Files {
		if len(steps) > maxFileSteps {
			break
		}
		if path.Ext(f) == ".go" {
			steps = append(steps, fmt.Sprintf("%s in %s", in.Goal, f))
		}
	}

	goal, err := r.Ref(ref.Result, "goal", contract.KindString)
	if err != nil {
		return nil, err
	}
	stepsRef, err := r.Ref(ref.Result, "steps", contract.KindArray)
	if err != nil {
		return nil, err
	}
	if _, err := r.Enqueue(TypeExecute, map[string]any{"goal": goal, "steps": stepsRef}); err != nil {
		return nil, fmt.Errorf("enqueue execute: %w", err)
	}

	return map[string]any{"goal": in.Goal, "steps": steps}, nil
}

func runExecute(ctx context.Context, r *graph.Runner, input any) (any, error) {
	in, err := contract.Decode[executeInput](input)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Goal)
	for _, s := range in.Steps {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return r.Effect(ctx, EffectWrite, map[string]any{
		"path":    PlanFile(in.Goal),
		"content": b.String(),
	})
}

// PlanFile returns the workspace-relative file an Execute for goal writes.
func PlanFile(goal string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(goal) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "untitled"
	}
	return "PLAN-" + slug + ".md"
}
