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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/nodegraph/internal/ref"
)

var tracer = otel.Tracer("nodegraph.graph")

// runState is the bookkeeping of one Run. Every field is guarded by Graph.mu
// except wake.
type runState struct {
	id   string
	wake chan struct{}

	// done holds a channel per claimed node, closed when it finishes.
	done   map[string]chan struct{}
	active int

	// waits records which node is blocked on which, for cycle detection
	// across goroutines.
	waits map[string]map[string]int

	errs   map[string]error
	failed []error
	fatal  error
}

func newRunState() *runState {
	return &runState{
		id:    newID(),
		wake:  make(chan struct{}, 1),
		done:  make(map[string]chan struct{}),
		waits: make(map[string]map[string]int),
		errs:  make(map[string]error),
	}
}

func (rs *runState) signal() {
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

func (rs *runState) addWait(from, to string) {
	if rs.waits[from] == nil {
		rs.waits[from] = make(map[string]int)
	}
	rs.waits[from][to]++
}

func (rs *runState) removeWait(from, to string) {
	if rs.waits[from][to]--; rs.waits[from][to] <= 0 {
		delete(rs.waits[from], to)
	}
	if len(rs.waits[from]) == 0 {
		delete(rs.waits, from)
	}
}

// reaches reports whether to is reachable from from along wait edges.
func (rs *runState) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for next := range rs.waits[cur] {
			stack = append(stack, next)
		}
	}
	return false
}

// Run drives every incomplete instance to completion.
//
// Description:
//
//	The loop partitions pending instances into runnable (all dependencies
//	complete) and blocked, starts every runnable one concurrently, and
//	re-examines the table whenever a node finishes or a new instance
//	appears. It ends when nothing is running and nothing can start. A
//	run-end trace event with the outcome always closes the run.
//
// Inputs:
//
//	ctx - Cancels the run. Checked at every node start and before every
//	effect call; running bodies are never force-terminated.
//
// Outputs:
//
//	error - nil on success. ErrRunStopped if ctx was cancelled (takes
//	priority), ErrDeadlock if blocked instances remain with nothing running,
//	other fatal errors, or ErrRunFailed joining the node failures.
func (g *Graph) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer g.running.Store(false)

	g.initMetrics()

	ctx, span := tracer.Start(ctx, "graph.Run")
	defer span.End()

	start := time.Now()
	rs := newRunState()

	g.mu.Lock()
	g.run = rs
	g.graphEventLocked(GraphTraceEvent{Kind: GraphRunStart})
	pending := g.countLocked(StatusPending)
	g.mu.Unlock()
	g.changed()

	span.SetAttributes(
		attribute.String("graph.run_id", rs.id),
		attribute.Int("graph.pending", pending),
	)
	g.logger.Info("run started",
		slog.String("run_id", rs.id),
		slog.Int("pending", pending),
	)

	cancelled := ctx.Done()
	for {
		g.mu.Lock()
		stopped := ctx.Err() != nil
		runnable, blocked := g.partitionLocked(rs)
		if !stopped && rs.fatal == nil {
			for _, id := range runnable {
				g.claimLocked(rs, id)
				go func(id string) {
					_ = g.execute(ctx, rs, nil, id)
				}(id)
			}
		}
		finished := false
		if rs.active == 0 {
			if !stopped && rs.fatal == nil && len(runnable) == 0 && len(blocked) > 0 {
				rs.fatal = fmt.Errorf("%w: %d blocked (%s)", ErrDeadlock, len(blocked), summarize(blocked))
			}
			finished = stopped || rs.fatal != nil || len(runnable) == 0
		}
		g.mu.Unlock()
		if finished {
			break
		}

		select {
		case <-rs.wake:
		case <-cancelled:
			cancelled = nil
		}
	}

	g.mu.Lock()
	remaining := g.countLocked(StatusPending)
	var (
		err     error
		outcome = OutcomeSuccess
	)
	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrRunStopped, context.Cause(ctx))
		outcome = OutcomeCancel
	case rs.fatal != nil:
		err = rs.fatal
		outcome = OutcomeFail
	case len(rs.failed) > 0:
		err = fmt.Errorf("%w: %w", ErrRunFailed, errors.Join(rs.failed...))
		outcome = OutcomeFail
	case remaining > 0:
		err = fmt.Errorf("%w: %d nodes blocked by failed dependencies", ErrRunFailed, remaining)
		outcome = OutcomeFail
	}
	end := GraphTraceEvent{Kind: GraphRunEnd, RunID: rs.id, Outcome: outcome}
	if err != nil {
		end.Error = err.Error()
	}
	g.graphEventLocked(end)
	g.run = nil
	g.mu.Unlock()
	g.changed()

	duration := time.Since(start)
	if g.metrics.runLatency != nil {
		g.metrics.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("outcome", string(outcome))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Info("run ended",
			slog.String("run_id", rs.id),
			slog.String("outcome", string(outcome)),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return err
	}
	span.SetStatus(codes.Ok, "")
	g.logger.Info("run ended",
		slog.String("run_id", rs.id),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", duration),
	)
	return nil
}

func summarize(ids []string) string {
	if len(ids) > 3 {
		return strings.Join(ids[:3], ", ") + ", ..."
	}
	return strings.Join(ids, ", ")
}

func (g *Graph) countLocked(status Status) int {
	count := 0
	for _, n := range g.nodes {
		if n.Status() == status {
			count++
		}
	}
	return count
}

// partitionLocked splits unclaimed pending instances into runnable and
// blocked. Instances transitively blocked by a failure are in neither list.
func (g *Graph) partitionLocked(rs *runState) (runnable, blocked []string) {
	const (
		healthy = iota + 1
		waiting
		broken
	)
	health := make(map[string]int)
	var visit func(id string) int
	visit = func(id string) int {
		if h, ok := health[id]; ok {
			return h
		}
		n, ok := g.nodes[id]
		if !ok {
			return broken
		}
		switch n.Status() {
		case StatusCompleted:
			health[id] = healthy
			return healthy
		case StatusFailed:
			health[id] = broken
			return broken
		case StatusRunning:
			health[id] = waiting
			return waiting
		}
		// Pending. Mark before descending so cycles terminate.
		health[id] = waiting
		h := healthy
		for _, d := range n.AllDependencies() {
			switch visit(d) {
			case broken:
				h = broken
			case waiting:
				if h != broken {
					h = waiting
				}
			}
		}
		if h == healthy {
			h = waiting
		}
		health[id] = h
		return h
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status() != StatusPending {
			continue
		}
		if _, claimed := rs.done[id]; claimed {
			continue
		}
		ready := true
		for _, d := range n.AllDependencies() {
			if dn, ok := g.nodes[d]; !ok || dn.Status() != StatusCompleted {
				ready = false
				break
			}
		}
		switch {
		case ready:
			runnable = append(runnable, id)
		case visit(id) != broken:
			blocked = append(blocked, id)
		}
	}
	return runnable, blocked
}

func (g *Graph) claimLocked(rs *runState, id string) {
	rs.done[id] = make(chan struct{})
	rs.active++
}

func (g *Graph) releaseLocked(rs *runState, id string) {
	if ch, ok := rs.done[id]; ok {
		close(ch)
		delete(rs.done, id)
		rs.active--
	}
	rs.signal()
}

func (g *Graph) fatalLocked(rs *runState, err error) {
	if rs.fatal == nil {
		rs.fatal = err
	}
}

func stopped(err error) error {
	return fmt.Errorf("%w: %w", ErrRunStopped, err)
}

// execute runs a claimed node in the calling goroutine.
func (g *Graph) execute(ctx context.Context, rs *runState, chain []string, id string) error {
	g.mu.Lock()
	n := g.nodes[id]
	def := g.defs[n.Type]

	if err := ctx.Err(); err != nil {
		g.releaseLocked(rs, id)
		g.mu.Unlock()
		return stopped(err)
	}

	now := time.Now()
	n.State = &NodeState{StartedAt: &now}
	g.graphEventLocked(GraphTraceEvent{Kind: GraphNodeStart, Node: id, Type: n.Type})

	input, err := g.resolveLocked(n)
	if err == nil {
		err = def.validateInput(input)
	}
	if err != nil {
		g.fatalLocked(rs, err)
		nodeErr := g.finishLocked(rs, n, nil, err)
		g.mu.Unlock()
		g.changed()
		return nodeErr
	}
	n.State.Input = input
	n.State.Trace = append(n.State.Trace, TraceEvent{Kind: TraceStart, At: now, Data: input})
	g.mu.Unlock()
	g.changed()

	ctx, span := tracer.Start(ctx, "graph.Node",
		trace.WithAttributes(
			attribute.String("graph.node", id),
			attribute.String("graph.node_type", n.Type),
			attribute.String("graph.run_id", rs.id),
		),
	)
	defer span.End()

	if g.metrics.activeNodes != nil {
		g.metrics.activeNodes.Add(ctx, 1)
		defer g.metrics.activeNodes.Add(ctx, -1)
	}

	g.logger.Debug("node starting",
		slog.String("node", id),
		slog.String("type", n.Type),
	)

	r := &Runner{
		graph: g,
		run:   rs,
		node:  id,
		def:   def,
		chain: append(slices.Clone(chain), id),
	}
	result, err := callBody(ctx, def, r, cloneValue(input))
	if err == nil {
		if result, err = ref.Normalize(result); err == nil {
			if err = def.validateOutput(result); err != nil {
				g.mu.Lock()
				g.fatalLocked(rs, err)
				g.mu.Unlock()
			}
		}
	}
	duration := time.Since(now)

	attrs := metric.WithAttributes(attribute.String("type", n.Type))
	if g.metrics.nodeLatency != nil {
		g.metrics.nodeLatency.Record(ctx, duration.Seconds(), attrs)
	}

	g.mu.Lock()
	nodeErr := g.finishLocked(rs, n, result, err)
	g.mu.Unlock()
	g.changed()

	if nodeErr != nil {
		if g.metrics.nodeFailures != nil {
			g.metrics.nodeFailures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Debug("node failed",
			slog.String("node", id),
			slog.String("type", n.Type),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nodeErr
	}

	if g.metrics.nodeSuccesses != nil {
		g.metrics.nodeSuccesses.Add(ctx, 1, attrs)
	}
	span.SetStatus(codes.Ok, "")
	g.logger.Debug("node completed",
		slog.String("node", id),
		slog.String("type", n.Type),
		slog.Duration("duration", duration),
	)
	return nil
}

// callBody invokes the body, turning a panic into an error.
func callBody(ctx context.Context, def *NodeDefinition, r *Runner, input any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s body panicked: %v", def.Type, p)
		}
	}()
	return def.Run(ctx, r, input)
}

// finishLocked records the end of a node and releases its claim. It returns
// the NodeError for failures.
func (g *Graph) finishLocked(rs *runState, n *NodeInstance, result any, err error) error {
	now := time.Now()
	n.State.CompletedAt = &now
	defer g.releaseLocked(rs, n.ID)

	if err == nil {
		n.State.Result = result
		n.State.Trace = append(n.State.Trace, TraceEvent{Kind: TraceResult, At: now, Data: result})
		g.graphEventLocked(GraphTraceEvent{Kind: GraphNodeEnd, Node: n.ID, Type: n.Type, Outcome: OutcomeSuccess})
		return nil
	}

	msg := err.Error()
	if msg == "" {
		msg = "failed"
	}
	n.State.Error = msg
	n.State.Trace = append(n.State.Trace, TraceEvent{Kind: TraceError, At: now, Error: msg})

	outcome := OutcomeFail
	nodeErr := &NodeError{NodeID: n.ID, Type: n.Type, Err: err}
	rs.errs[n.ID] = nodeErr
	if errors.Is(err, ErrRunStopped) {
		outcome = OutcomeCancel
	} else {
		rs.failed = append(rs.failed, nodeErr)
	}
	g.graphEventLocked(GraphTraceEvent{Kind: GraphNodeEnd, Node: n.ID, Type: n.Type, Outcome: outcome, Error: msg})
	return nodeErr
}

// failureLocked builds the error a waiter sees for a failed dependency.
func (g *Graph) failureLocked(rs *runState, n *NodeInstance) error {
	if err, ok := rs.errs[n.ID]; ok {
		return fmt.Errorf("%w: %w", ErrDependencyFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrDependencyFailed,
		&NodeError{NodeID: n.ID, Type: n.Type, Err: errors.New(n.State.Error)})
}

// await blocks until target completes, driving it in the calling goroutine
// when nobody else has claimed it.
//
// Description:
//
//	chain is the list of nodes the calling goroutine is currently driving,
//	innermost last. Requesting a node already on the chain, or one whose
//	wait edges lead back to the requester, is a cycle. Pending dependencies
//	of target are driven concurrently first.
func (g *Graph) await(ctx context.Context, rs *runState, chain []string, target string) error {
	if slices.Contains(chain, target) {
		return g.cycle(rs, append(slices.Clone(chain), target))
	}

	if len(chain) > 0 {
		waiter := chain[len(chain)-1]
		g.mu.Lock()
		if rs.reaches(target, waiter) {
			g.mu.Unlock()
			return g.cycle(rs, []string{waiter, target, waiter})
		}
		rs.addWait(waiter, target)
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			rs.removeWait(waiter, target)
			g.mu.Unlock()
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return stopped(err)
		}

		g.mu.Lock()
		if rs.fatal != nil {
			err := rs.fatal
			g.mu.Unlock()
			return err
		}
		n, ok := g.nodes[target]
		if !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNodeNotFound, target)
		}
		switch n.Status() {
		case StatusCompleted:
			g.mu.Unlock()
			return nil
		case StatusFailed:
			err := g.failureLocked(rs, n)
			g.mu.Unlock()
			return err
		}

		if ch, claimed := rs.done[target]; claimed {
			g.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
			}
			continue
		}

		var pendingDeps []string
		for _, d := range n.AllDependencies() {
			dn, ok := g.nodes[d]
			if !ok {
				g.mu.Unlock()
				return fmt.Errorf("%w: %s dependency %s", ErrNodeNotFound, target, d)
			}
			switch dn.Status() {
			case StatusCompleted:
			case StatusFailed:
				err := g.failureLocked(rs, dn)
				g.mu.Unlock()
				return err
			default:
				pendingDeps = append(pendingDeps, d)
			}
		}

		if len(pendingDeps) == 0 {
			g.claimLocked(rs, target)
			g.mu.Unlock()
			// The outcome is read back from the table on the next pass.
			_ = g.execute(ctx, rs, chain, target)
			continue
		}
		g.mu.Unlock()

		sub := append(slices.Clone(chain), target)
		var eg errgroup.Group
		for _, d := range pendingDeps {
			eg.Go(func() error {
				return g.await(ctx, rs, sub, d)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
}

// cycle records a dependency cycle as the run's fatal error.
func (g *Graph) cycle(rs *runState, path []string) error {
	err := fmt.Errorf("%w: %w: %s", ErrDeadlock, ErrDependencyCycle, strings.Join(path, " -> "))
	g.mu.Lock()
	g.fatalLocked(rs, err)
	g.mu.Unlock()
	return err
}
