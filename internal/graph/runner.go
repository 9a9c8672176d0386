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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/nodegraph/internal/contract"
	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/ref"
)

// Runner is the capability handed to a running node body. It is the only way
// a body reaches the graph.
//
// Thread Safety:
//
//	A body may call Runner methods from several goroutines. Trace events
//	are appended in call order per goroutine.
type Runner struct {
	graph *Graph
	run   *runState
	node  string
	def   *NodeDefinition
	chain []string
}

// Sibling is a read-only view of a node found by FindSibling.
type Sibling struct {
	ID     string
	Type   string
	Value  any
	Result any
	Status Status
}

// ID returns the running node's instance id.
func (r *Runner) ID() string {
	return r.node
}

// Extra returns the caller-supplied context object.
func (r *Runner) Extra() any {
	return r.graph.extra
}

// selfLocked returns the running node or ErrNodeNotRunning.
func (r *Runner) selfLocked() (*NodeInstance, error) {
	n, ok := r.graph.nodes[r.node]
	if !ok || n.Status() != StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotRunning, r.node)
	}
	return n, nil
}

func (r *Runner) traceLocked(n *NodeInstance, ev TraceEvent) {
	ev.At = time.Now()
	n.State.Trace = append(n.State.Trace, ev)
}

// Effect invokes a declared effect.
//
// Description:
//
//	Refuses to run once the run is cancelled. Every call, cached or not,
//	leaves an effect-request and effect-result pair in the node trace.
//
// Inputs:
//
//	ctx - Must be the context the body received (or derived from it).
//	id - The effect. Must be in the node definition's Effects map.
//	params - Raw params.
//
// Outputs:
//
//	any - The normalized result.
//	error - ErrRunStopped, effect.ErrUnknownEffect, ErrEffectNotAllowed, a
//	contract violation, or the action's error wrapped in *effect.Error.
func (r *Runner) Effect(ctx context.Context, id effect.ID, params any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, stopped(err)
	}
	if _, err := r.graph.invoker.Registry().Lookup(id); err != nil {
		return nil, err
	}
	if _, ok := r.def.Effects[id]; !ok {
		return nil, fmt.Errorf("%w: %s may not call %s", ErrEffectNotAllowed, r.def.Type, id)
	}

	norm, err := ref.Normalize(params)
	if err != nil {
		return nil, &effect.Error{EffectID: id, Err: err}
	}

	callID := newID()
	g := r.graph
	g.mu.Lock()
	self, err := r.selfLocked()
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	r.traceLocked(self, TraceEvent{Kind: TraceEffectRequest, Effect: id, CallID: callID, Data: norm})
	g.mu.Unlock()

	ctx, span := tracer.Start(ctx, "graph.Effect",
		trace.WithAttributes(
			attribute.String("graph.node", r.node),
			attribute.String("graph.effect", string(id)),
		),
	)
	defer span.End()

	out, err := g.invoker.Invoke(ctx, id, effect.Env{NodeID: r.node, CallID: callID, Extra: g.extra}, norm)
	if err != nil && ctx.Err() != nil {
		err = stopped(err)
	}

	attrs := metric.WithAttributes(attribute.String("effect", string(id)))
	if g.metrics.effectCalls != nil {
		g.metrics.effectCalls.Add(ctx, 1, attrs)
	}
	if out.Cached && g.metrics.cacheHits != nil {
		g.metrics.cacheHits.Add(ctx, 1, attrs)
	}

	result := TraceEvent{Kind: TraceEffectResult, Effect: id, CallID: callID, Data: out.Result, Cached: out.Cached}
	if err != nil {
		result.Data = nil
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	g.mu.Lock()
	if n, ok := g.nodes[r.node]; ok && n.State != nil {
		r.traceLocked(n, result)
	}
	g.mu.Unlock()
	g.changed()

	g.logger.Debug("effect called",
		slog.String("node", r.node),
		slog.String("effect", string(id)),
		slog.Bool("cached", out.Cached),
	)
	if err != nil {
		return nil, err
	}
	return cloneValue(out.Result), nil
}

// Dependency returns the result of a typ node with input, creating the
// instance if no equal one is visible, and blocks until it completes.
//
// Description:
//
//	The dependency is recorded on the running node. A newly created
//	instance is also recorded as created by it, so resetting this node
//	removes it unless something else still depends on it.
//
// Outputs:
//
//	any - The dependency's result.
//	error - ErrUnknownNodeType, ErrUnresolvedReference, a contract
//	violation, ErrDependencyFailed, ErrDeadlock or ErrRunStopped.
func (r *Runner) Dependency(ctx context.Context, typ string, input any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, stopped(err)
	}
	id, err := r.create(typ, input, false)
	if err != nil {
		return nil, err
	}

	if err := r.graph.await(ctx, r.run, r.chain, id); err != nil {
		return nil, err
	}

	g := r.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.nodes[id]
	if !ok || dep.State == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if self, err := r.selfLocked(); err == nil {
		r.traceLocked(self, TraceEvent{Kind: TraceDependencyResolved, Node: id})
	}
	return cloneValue(dep.State.Result), nil
}

// Enqueue adds a continuation: a typ node that depends on this one and runs
// after it completes. It does not block. It returns the id of the new or
// reused instance.
func (r *Runner) Enqueue(typ string, input any) (string, error) {
	return r.create(typ, input, true)
}

// create implements Dependency and Enqueue up to the point of waiting.
func (r *Runner) create(typ string, input any, continuation bool) (string, error) {
	g := r.graph
	def, ok := g.defs[typ]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownNodeType, typ)
		g.mu.Lock()
		g.fatalLocked(r.run, err)
		g.mu.Unlock()
		return "", err
	}
	value, err := ref.Normalize(input)
	if err == nil {
		err = def.validateInput(value)
	}

	g.mu.Lock()
	self, selfErr := r.selfLocked()
	if selfErr != nil {
		g.mu.Unlock()
		return "", selfErr
	}
	var (
		inst    *NodeInstance
		created bool
	)
	if err == nil {
		var deps []string
		if continuation {
			deps = []string{r.node}
		}
		inst, created, err = g.createLocked(def, value, self.Scope, r.node, deps)
	}
	if err != nil {
		g.fatalLocked(r.run, err)
		g.mu.Unlock()
		return "", err
	}

	if created {
		self.State.Created = appendUnique(self.State.Created, inst.ID)
	}
	if continuation {
		r.traceLocked(self, TraceEvent{Kind: TraceContinuationAdded, Node: inst.ID})
	} else {
		self.State.Dependencies = appendUnique(self.State.Dependencies, inst.ID)
		r.traceLocked(self, TraceEvent{Kind: TraceDependencyAdded, Node: inst.ID})
	}
	g.mu.Unlock()
	g.changed()
	return inst.ID, nil
}

// FindSibling returns the first visible typ instance, other than this node,
// for which match returns true. Task scopes under every level of this node's
// scope chain are searched.
func (r *Runner) FindSibling(typ string, match func(Sibling) bool) (Sibling, bool) {
	g := r.graph
	g.mu.Lock()
	self, err := r.selfLocked()
	if err != nil {
		g.mu.Unlock()
		return Sibling{}, false
	}
	var candidates []Sibling
	for _, n := range g.visibleLocked(self.Scope, typ, nil, true) {
		if n.ID == r.node {
			continue
		}
		s := Sibling{ID: n.ID, Type: n.Type, Value: cloneValue(n.Value), Status: n.Status()}
		if n.State != nil {
			s.Result = cloneValue(n.State.Result)
		}
		candidates = append(candidates, s)
	}
	g.mu.Unlock()

	for _, s := range candidates {
		if match == nil || match(s) {
			g.mu.Lock()
			if self, err := r.selfLocked(); err == nil {
				r.traceLocked(self, TraceEvent{Kind: TraceSiblingFound, Node: s.ID})
			}
			g.mu.Unlock()
			return s, true
		}
	}
	return Sibling{}, false
}

// Ref mints a reference to this node's own resolved input (ref.Value) or
// result (ref.Result).
//
// Description:
//
//	When the matching contract can describe the path, the kind at the path
//	is checked against expect, and fills it in when expect is empty.
//
// Outputs:
//
//	ref.Reference - The reference.
//	error - ref.ErrInvalidReference, contract.ErrInvalidPath or
//	ref.ErrKindMismatch.
func (r *Runner) Ref(kind ref.AccessorKind, path string, expect contract.Kind) (ref.Reference, error) {
	p, err := contract.ParsePath(path)
	if err != nil {
		return ref.Reference{}, err
	}

	c := r.def.Output
	if kind == ref.Value {
		c = r.def.Input
	}
	if shaped, ok := c.(contract.Shaped); ok && shaped != nil {
		got, ok := shaped.KindAt(p)
		if !ok {
			return ref.Reference{}, fmt.Errorf("%w: %q is not addressable in %s %s", ref.ErrInvalidReference, path, r.def.Type, kind)
		}
		if !expect.Accepts(got) {
			return ref.Reference{}, fmt.Errorf("%w: %s %s at %q is %s, want %s", ref.ErrKindMismatch, r.def.Type, kind, path, got, expect)
		}
		if expect == "" || expect == contract.KindAny {
			expect = got
		}
	}
	return ref.New(r.node, kind, path, expect)
}
