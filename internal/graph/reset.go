// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/ref"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// ResetNode clears id's run state and removes everything that depended on
// or was created by it, then reverts eligible effects of the affected nodes.
//
// Description:
//
//	The affected set is the transitive closure of created and dependent
//	instances. An instance reached only because it was created inside the
//	set survives when a live instance outside the set still depends on it.
//	Effect calls recorded by every affected node are filtered to eligible
//	revertible ones, offered to the RevertProvider, and reverted newest
//	first.
//
// Outputs:
//
//	error - ErrNodeNotFound, ErrNodeRunning, or ErrRevertFailed joining the
//	individual revert errors. The table is already updated when reverts
//	fail.
func (g *Graph) ResetNode(ctx context.Context, id string) error {
	return g.cascade(ctx, id, cascadeOp{})
}

// DeleteNode is ResetNode that also removes id itself.
func (g *Graph) DeleteNode(ctx context.Context, id string) error {
	return g.cascade(ctx, id, cascadeOp{remove: true})
}

// EditNode replaces id's raw input after resetting it. The reset and the
// swap happen under one lock, so no run can start id with the old input.
//
// Outputs:
//
//	error - ErrNodeNotFound, ErrNodeRunning, ErrDuplicateNode if an equal
//	instance of the same type is visible, ErrUnresolvedReference if the
//	input names a missing node or one the reset removes, a contract
//	violation, or ErrRevertFailed.
func (g *Graph) EditNode(ctx context.Context, id string, input any) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	def := g.defs[n.Type]
	g.mu.Unlock()

	value, err := ref.Normalize(input)
	if err != nil {
		return fmt.Errorf("%s input: %w", n.Type, err)
	}
	if err := def.validateInput(value); err != nil {
		return err
	}
	return g.cascade(ctx, id, cascadeOp{edit: true, value: value})
}

// cascadeOp selects what cascade does to the root once its closure is gone.
type cascadeOp struct {
	remove bool
	edit   bool
	value  any
}

// checkEditLocked rejects an edit of n to value. affected is the set the
// reset will remove; references into it would dangle.
func (g *Graph) checkEditLocked(n *NodeInstance, value any, affected []string) error {
	for _, target := range ref.Collect(value) {
		if _, ok := g.nodes[target]; !ok || slices.Contains(affected, target) {
			return fmt.Errorf("%w: %s input references missing node %s", ErrUnresolvedReference, n.Type, target)
		}
	}

	// Search from where n was requested, exactly as creation would.
	requested := g.defs[n.Type].scopeFor(value)
	start := n.Scope
	if requested != nil && requested.Kind == scope.KindTask {
		if s, ok := g.scopes.Get(n.Scope); ok && s.Definition.Kind == scope.KindTask && s.Parent != "" {
			start = s.Parent
		}
	}
	dup := g.findLocked(start, n.Type, requested, func(other *NodeInstance) bool {
		return other.ID != n.ID && !slices.Contains(affected, other.ID) && ref.Equal(other.Value, value)
	})
	if dup != nil {
		return fmt.Errorf("%w: %s equals %s", ErrDuplicateNode, n.ID, dup.ID)
	}
	return nil
}

func (g *Graph) cascade(ctx context.Context, id string, op cascadeOp) error {
	g.mu.Lock()
	root, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	affected := g.affectedLocked(id)
	for _, aid := range affected {
		if g.busyLocked(aid) {
			g.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNodeRunning, aid)
		}
	}
	if op.edit {
		if err := g.checkEditLocked(root, op.value, affected); err != nil {
			g.mu.Unlock()
			return err
		}
	}

	var calls []timedCall
	for _, aid := range affected {
		calls = append(calls, effectCalls(g.nodes[aid])...)
	}

	for _, aid := range affected {
		if aid == id && !op.remove {
			continue
		}
		g.deleteLocked(aid)
		g.graphEventLocked(GraphTraceEvent{Kind: GraphNodeDeleted, Node: aid})
	}
	if !op.remove {
		root.State = nil
		g.graphEventLocked(GraphTraceEvent{Kind: GraphNodeReset, Node: id, Type: root.Type})
	}
	if op.edit {
		oldRefs := ref.Collect(root.Value)
		var explicit []string
		for _, d := range root.Dependencies {
			if !slices.Contains(oldRefs, d) {
				explicit = append(explicit, d)
			}
		}
		root.Value = op.value
		root.Dependencies = appendUnique(explicit, ref.Collect(op.value)...)
	}
	g.pruneScopesLocked()
	g.mu.Unlock()

	g.logger.Debug("node reset",
		slog.String("node", id),
		slog.Int("affected", len(affected)),
		slog.Bool("removed", op.remove),
		slog.Bool("edited", op.edit),
	)
	g.changed()

	return g.revertCalls(ctx, calls)
}

// busyLocked reports whether id is running or claimed by the active run.
func (g *Graph) busyLocked(id string) bool {
	if g.nodes[id].Status() == StatusRunning {
		return true
	}
	if g.run != nil {
		if _, claimed := g.run.done[id]; claimed {
			return true
		}
	}
	return false
}

// affectedLocked computes the cascade set for a reset of id, id first.
func (g *Graph) affectedLocked(id string) []string {
	kept := map[string]bool{}
	for {
		set, viaDependency := g.closureLocked(id, kept)

		changed := false
		for _, member := range set {
			if member == id || viaDependency[member] {
				continue
			}
			if g.hasOutsideDependentLocked(member, set) {
				kept[member] = true
				changed = true
			}
		}
		if !changed {
			return set
		}
	}
}

// closureLocked returns the created/dependent closure of id, skipping kept
// nodes, and which members were reached as dependents of id or of another
// dependent. Members reached only through Created do not pull in their own
// dependents; affectedLocked decides whether they survive instead.
func (g *Graph) closureLocked(id string, kept map[string]bool) ([]string, map[string]bool) {
	var (
		set      = []string{id}
		in       = map[string]bool{id: true}
		via      = map[string]bool{}
		expanded = map[string]bool{}
		queue    = []string{id}
	)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, c := range g.nodes[cur].Created() {
			if _, ok := g.nodes[c]; !ok || kept[c] || in[c] {
				continue
			}
			in[c] = true
			set = append(set, c)
			queue = append(queue, c)
		}

		if (cur != id && !via[cur]) || expanded[cur] {
			continue
		}
		expanded[cur] = true
		for _, oid := range g.order {
			if oid == id || !g.nodes[oid].DependsOn(cur) {
				continue
			}
			newlyVia := !via[oid]
			via[oid] = true
			switch {
			case !in[oid]:
				in[oid] = true
				set = append(set, oid)
				queue = append(queue, oid)
			case newlyVia:
				queue = append(queue, oid)
			}
		}
	}
	return set, via
}

func (g *Graph) hasOutsideDependentLocked(id string, set []string) bool {
	for _, oid := range g.order {
		if slices.Contains(set, oid) {
			continue
		}
		if g.nodes[oid].DependsOn(id) {
			return true
		}
	}
	return false
}

func (g *Graph) deleteLocked(id string) {
	delete(g.nodes, id)
	g.order = slices.DeleteFunc(g.order, func(o string) bool { return o == id })
	for _, n := range g.nodes {
		if n.State != nil {
			n.State.Created = slices.DeleteFunc(n.State.Created, func(c string) bool { return c == id })
		}
	}
}

func (g *Graph) pruneScopesLocked() {
	live := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		live[n.Scope] = true
	}
	g.scopes.Prune(live)
}

// revertCalls reverts eligible calls, newest first.
func (g *Graph) revertCalls(ctx context.Context, calls []timedCall) error {
	registry := g.invoker.Registry()

	sort.SliceStable(calls, func(i, j int) bool { return calls[i].at.After(calls[j].at) })
	var candidates []effect.Call
	for _, tc := range calls {
		def, err := registry.Lookup(tc.call.Effect)
		if err != nil || !def.Eligible(tc.call) {
			continue
		}
		candidates = append(candidates, tc.call)
	}
	if len(candidates) == 0 {
		return nil
	}

	chosen := candidates
	if g.revert != nil {
		ids, err := g.revert.FilterEffects(ctx, slices.Clone(candidates))
		if err != nil {
			return fmt.Errorf("%w: filter: %w", ErrRevertFailed, err)
		}
		chosen = slices.DeleteFunc(slices.Clone(candidates), func(c effect.Call) bool {
			return !slices.Contains(ids, c.ID)
		})
	}

	var (
		errs     []error
		reverted []effect.Call
	)
	for _, call := range chosen {
		def, _ := registry.Lookup(call.Effect)
		env := effect.Env{NodeID: call.NodeID, CallID: call.ID, Extra: g.extra}
		if err := def.Revert(ctx, env, call); err != nil {
			errs = append(errs, fmt.Errorf("%s call %s: %w", call.Effect, call.ID, err))
			continue
		}
		reverted = append(reverted, call)
	}

	g.logger.Debug("effects reverted",
		slog.Int("candidates", len(candidates)),
		slog.Int("reverted", len(reverted)),
		slog.Int("failed", len(errs)),
	)

	if g.revert != nil && len(reverted) > 0 {
		g.revert.OnEffectsReverted(ctx, reverted)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRevertFailed, errors.Join(errs...))
	}
	return nil
}
