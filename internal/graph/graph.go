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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/nodegraph/internal/effect"
	"github.com/AleutianAI/nodegraph/internal/ref"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// RevertProvider lets a collaborator choose which eligible effect calls to
// revert during a reset and observe the result. Implementations must
// tolerate concurrent calls.
type RevertProvider interface {
	// FilterEffects returns the ids of the candidate calls to revert.
	FilterEffects(ctx context.Context, candidates []effect.Call) ([]string, error)

	// OnEffectsReverted is called with the calls that were reverted.
	OnEffectsReverted(ctx context.Context, reverted []effect.Call)
}

// Config holds everything a Graph needs at construction.
type Config struct {
	// Definitions is the closed set of node types.
	Definitions []*NodeDefinition

	// Cache is required when any declared effect is cacheable.
	Cache effect.Cache

	// Revert is optional. Without it every eligible call is reverted.
	Revert RevertProvider

	// Extra is passed untouched to every body, effect and revert.
	Extra any

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Graph is the orchestrator: it owns the node table, the merged effect
// registry, the traces and the scheduling loop.
//
// Thread Safety:
//
//	All table and trace mutation happens under mu. Bodies reach the table
//	only through the Runner they are handed.
type Graph struct {
	mu      sync.Mutex
	defs    map[string]*NodeDefinition
	nodes   map[string]*NodeInstance
	order   []string
	scopes  *scope.Table
	trace   []GraphTraceEvent
	invoker *effect.Invoker
	revert  RevertProvider
	extra   any
	logger  *slog.Logger

	running atomic.Bool
	run     *runState

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int

	metricsOnce sync.Once
	metrics     instruments
}

// New creates an empty graph.
//
// Inputs:
//
//	cfg - Node definitions and collaborators.
//
// Outputs:
//
//	*Graph - The graph, rooted at a fresh global scope.
//	error - ErrInvalidDefinition, ErrDuplicateDefinition, effect.ErrEffectConflict
//	or effect.ErrCacheRequired.
func New(cfg Config) (*Graph, error) {
	defs := make(map[string]*NodeDefinition, len(cfg.Definitions))
	declared := make(map[string]map[effect.ID]*effect.Definition, len(cfg.Definitions))
	for _, def := range cfg.Definitions {
		if err := def.check(); err != nil {
			return nil, err
		}
		if _, ok := defs[def.Type]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Type)
		}
		defs[def.Type] = def
		declared[def.Type] = def.Effects
	}

	registry, err := effect.Merge(declared)
	if err != nil {
		return nil, err
	}
	invoker, err := effect.NewInvoker(registry, cfg.Cache)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := registry.IDs()
	effects := make([]string, len(ids))
	for i, id := range ids {
		effects[i] = string(id)
	}
	logger.Debug("graph configured",
		slog.Int("node_types", len(defs)),
		slog.String("effects", strings.Join(effects, ",")),
		slog.Bool("cache", cfg.Cache != nil),
	)

	return &Graph{
		defs:    defs,
		nodes:   make(map[string]*NodeInstance),
		scopes:  scope.NewTable(),
		invoker: invoker,
		revert:  cfg.Revert,
		extra:   cfg.Extra,
		logger:  logger,
		subs:    make(map[int]chan struct{}),
	}, nil
}

// AddNode seeds an instance of typ in the global scope chain.
//
// Description:
//
//	If an equal instance of typ is already visible, its id is returned and
//	nothing is created. deps are explicit dependencies and must exist, as
//	must every node referenced from input.
//
// Outputs:
//
//	string - The id of the new or reused instance.
//	error - ErrUnknownNodeType, ErrNodeNotFound, ErrUnresolvedReference or a
//	contract violation.
func (g *Graph) AddNode(typ string, input any, deps ...string) (string, error) {
	def, ok := g.defs[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNodeType, typ)
	}
	value, err := ref.Normalize(input)
	if err != nil {
		return "", fmt.Errorf("%s input: %w", typ, err)
	}
	if err := def.validateInput(value); err != nil {
		return "", err
	}

	g.mu.Lock()
	for _, d := range deps {
		if _, ok := g.nodes[d]; !ok {
			g.mu.Unlock()
			return "", fmt.Errorf("%w: dependency %s", ErrNodeNotFound, d)
		}
	}
	inst, _, err := g.createLocked(def, value, g.scopes.Root(), "", deps)
	g.mu.Unlock()
	if err != nil {
		return "", err
	}

	g.changed()
	return inst.ID, nil
}

// Node returns a snapshot of the instance with id.
func (g *Graph) Node(id string) (*NodeInstance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return mustClone(n), true
}

// Nodes returns snapshots of every instance in creation order.
func (g *Graph) Nodes() []*NodeInstance {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*NodeInstance, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, mustClone(g.nodes[id]))
	}
	return out
}

// Trace returns a copy of the graph-level trace.
func (g *Graph) Trace() []GraphTraceEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GraphTraceEvent, len(g.trace))
	copy(out, g.trace)
	return out
}

// Subscribe returns a channel that receives a signal after every structural
// change. Signals coalesce: a slow reader sees at least one pending signal,
// never a backlog. The returned function unsubscribes and closes the
// channel, ending any range over it.
func (g *Graph) Subscribe() (<-chan struct{}, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan struct{}, 1)
	g.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subMu.Lock()
			delete(g.subs, id)
			close(ch)
			g.subMu.Unlock()
		})
	}
}

// changed notifies subscribers and wakes the run loop.
func (g *Graph) changed() {
	g.subMu.Lock()
	for _, ch := range g.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	g.subMu.Unlock()

	g.mu.Lock()
	rs := g.run
	g.mu.Unlock()
	if rs != nil {
		rs.signal()
	}
}

func (g *Graph) graphEventLocked(ev GraphTraceEvent) {
	ev.At = time.Now()
	if ev.RunID == "" && g.run != nil {
		ev.RunID = g.run.id
	}
	g.trace = append(g.trace, ev)
}

func newID() string {
	return uuid.NewString()
}
