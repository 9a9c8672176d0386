// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the dynamic dependency-graph orchestrator.
//
// Description:
//
//	A Graph owns a table of node instances whose dependency structure grows
//	while it runs. Callers seed instances with AddNode and call Run; running
//	bodies may request further nodes as blocking dependencies, enqueue
//	continuations, call declared effects, and mint references to their own
//	future output. Equivalent work is deduplicated across the visible scope
//	chain, effect results are cached, and every step is recorded in an
//	append-only trace that drives reset and revert.
//
// Thread Safety:
//
//	Graph is safe for concurrent use. Only one Run may be active at a time.
package graph

import (
	"context"
	"fmt"

	"github.com/AleutianAI/nodegraph/internal/contract"
	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// BodyFunc computes a node's result from its resolved input.
type BodyFunc func(ctx context.Context, r *Runner, input any) (any, error)

// NodeDefinition describes a node type. Definitions are immutable once
// handed to a Graph.
//
// Example:
//
//	def := &graph.NodeDefinition{
//	    Type:    "ProjectAnalysis",
//	    Scope:   func(any) *scope.Definition { return scope.Global() },
//	    Input:   contract.Object(map[string]*contract.Schema{"root": contract.String()}, "root"),
//	    Effects: map[effect.ID]*effect.Definition{"fs.scan": scan},
//	    Run:     analyze,
//	}
type NodeDefinition struct {
	// Type is the unique type id.
	Type string

	// Scope picks the scope for a new instance from its raw input. Nil, or a
	// nil return, inherits the creator's scope.
	Scope func(input any) *scope.Definition

	// Input and Output are optional contracts.
	Input  contract.Contract
	Output contract.Contract

	// Effects lists the effects the body may call.
	Effects map[effect.ID]*effect.Definition

	// Run is the body. Required.
	Run BodyFunc
}

func (d *NodeDefinition) check() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: empty type id", ErrInvalidDefinition)
	}
	if d.Run == nil {
		return fmt.Errorf("%w: %s has no body", ErrInvalidDefinition, d.Type)
	}
	return nil
}

func (d *NodeDefinition) scopeFor(input any) *scope.Definition {
	if d.Scope == nil {
		return nil
	}
	return d.Scope(input)
}

func (d *NodeDefinition) validateInput(v any) error {
	if d.Input == nil {
		return nil
	}
	if err := d.Input.Validate(v); err != nil {
		return fmt.Errorf("%s input: %w", d.Type, err)
	}
	return nil
}

func (d *NodeDefinition) validateOutput(v any) error {
	if d.Output == nil {
		return nil
	}
	if err := d.Output.Validate(v); err != nil {
		return fmt.Errorf("%s output: %w", d.Type, err)
	}
	return nil
}
