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
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/nodegraph/internal/ref"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// visibleLocked lists instances of typ reachable from start, nearest scope
// first.
//
// Description:
//
//	The search climbs from start to the root. At each level it considers
//	instances living in that scope, and instances living in task scopes
//	created directly under it whose definition equals requested. With
//	anyTask set, every task child of the level is considered, which is what
//	sibling lookup wants.
func (g *Graph) visibleLocked(start, typ string, requested *scope.Definition, anyTask bool) []*NodeInstance {
	var (
		out  []*NodeInstance
		seen = make(map[string]bool)
	)
	for _, level := range g.scopes.Chain(start) {
		for _, id := range g.order {
			n := g.nodes[id]
			if n.Type != typ || seen[id] {
				continue
			}
			if g.visibleAt(n, level.ID, requested, anyTask) {
				seen[id] = true
				out = append(out, n)
			}
		}
	}
	return out
}

func (g *Graph) visibleAt(n *NodeInstance, level string, requested *scope.Definition, anyTask bool) bool {
	if n.Scope == level {
		return true
	}
	s, ok := g.scopes.Get(n.Scope)
	if !ok || s.Parent != level || s.Definition.Kind != scope.KindTask {
		return false
	}
	if anyTask {
		return true
	}
	return requested != nil && requested.Kind == scope.KindTask && s.Definition.Equal(*requested)
}

// findLocked returns the first visible instance of typ satisfying match.
func (g *Graph) findLocked(start, typ string, requested *scope.Definition, match func(*NodeInstance) bool) *NodeInstance {
	for _, n := range g.visibleLocked(start, typ, requested, false) {
		if match(n) {
			return n
		}
	}
	return nil
}

// createLocked returns a visible equal instance or creates a new one.
//
// Inputs:
//
//	def - Definition of the requested type.
//	value - Normalized raw input.
//	creatorScope - Scope of the creating node, or the root for seeds.
//	createdBy - Creating node id, empty for seeds.
//	deps - Explicit dependencies. Reference targets are merged in.
//
// Outputs:
//
//	*NodeInstance - The instance.
//	bool - True if created.
//	error - ErrUnresolvedReference if value references a missing node.
func (g *Graph) createLocked(def *NodeDefinition, value any, creatorScope, createdBy string, deps []string) (*NodeInstance, bool, error) {
	requested := def.scopeFor(value)

	if existing := g.findLocked(creatorScope, def.Type, requested, func(n *NodeInstance) bool {
		return ref.Equal(n.Value, value)
	}); existing != nil {
		return existing, false, nil
	}

	refs := ref.Collect(value)
	for _, id := range refs {
		if _, ok := g.nodes[id]; !ok {
			return nil, false, fmt.Errorf("%w: %s input references missing node %s", ErrUnresolvedReference, def.Type, id)
		}
	}

	sc, _, err := g.scopes.Resolve(requested, creatorScope)
	if err != nil {
		return nil, false, err
	}

	inst := &NodeInstance{
		ID:           newID(),
		Type:         def.Type,
		Value:        value,
		Scope:        sc.ID,
		Dependencies: appendUnique(slices.Clone(deps), refs...),
		CreatedBy:    createdBy,
	}
	g.nodes[inst.ID] = inst
	g.order = append(g.order, inst.ID)

	g.logger.Debug("node created",
		slog.String("node", inst.ID),
		slog.String("type", inst.Type),
		slog.String("scope", sc.Definition.String()),
		slog.String("created_by", createdBy),
	)
	return inst, true, nil
}

// resolveLocked binds every reference in n's raw input.
func (g *Graph) resolveLocked(n *NodeInstance) (any, error) {
	return ref.Resolve(n.Value, func(r ref.Reference) (any, error) {
		target, ok := g.nodes[r.Node]
		if !ok {
			return nil, fmt.Errorf("%w: %s: target missing", ErrUnresolvedReference, r)
		}

		var source any
		switch r.Accessor.Kind {
		case ref.Value:
			if target.Status() == StatusPending {
				return nil, fmt.Errorf("%w: %s: target not started", ErrUnresolvedReference, r)
			}
			source = target.State.Input
		default:
			if target.Status() != StatusCompleted {
				return nil, fmt.Errorf("%w: %s: target %s", ErrUnresolvedReference, r, target.Status())
			}
			source = target.State.Result
		}

		v, err := r.Read(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnresolvedReference, err)
		}
		return cloneValue(v), nil
	})
}

// cloneValue deep-copies a normalized value. Table values are normalized on
// entry, so a failure here is a broken invariant, not an input error.
func cloneValue(v any) any {
	out, err := ref.Normalize(v)
	if err != nil {
		panic(fmt.Sprintf("graph: copy of normalized value: %v", err))
	}
	return out
}

// cloneJSON deep-copies v through its JSON form.
func cloneJSON[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// mustClone is cloneJSON for state the graph owns. It never returns the
// original, so callers can never alias the table.
func mustClone[T any](v T) T {
	out, err := cloneJSON(v)
	if err != nil {
		panic(fmt.Sprintf("graph: copy of table state: %v", err))
	}
	return out
}
