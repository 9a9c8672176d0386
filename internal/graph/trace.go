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
	"time"

	"github.com/AleutianAI/nodegraph/internal/effect"
)

// TraceKind names a per-node trace event.
type TraceKind string

const (
	TraceStart              TraceKind = "start"
	TraceDependencyAdded    TraceKind = "dependency-added"
	TraceDependencyResolved TraceKind = "dependency-resolved"
	TraceContinuationAdded  TraceKind = "continuation-added"
	TraceEffectRequest      TraceKind = "effect-request"
	TraceEffectResult       TraceKind = "effect-result"
	TraceSiblingFound       TraceKind = "sibling-found"
	TraceError              TraceKind = "error"
	TraceResult             TraceKind = "result"
)

// TraceEvent is one entry of a node's trace. Which fields are set depends on
// Kind: Data holds the resolved input for start, params for effect requests
// and the value for results.
type TraceEvent struct {
	Kind   TraceKind `json:"kind"`
	At     time.Time `json:"at"`
	Node   string    `json:"node,omitempty"`
	Effect effect.ID `json:"effect,omitempty"`
	CallID string    `json:"callId,omitempty"`
	Data   any       `json:"data,omitempty"`
	Cached bool      `json:"cached,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// GraphTraceKind names a graph-level trace event.
type GraphTraceKind string

const (
	GraphRunStart    GraphTraceKind = "run-start"
	GraphRunEnd      GraphTraceKind = "run-end"
	GraphNodeStart   GraphTraceKind = "node-start"
	GraphNodeEnd     GraphTraceKind = "node-end"
	GraphNodeReset   GraphTraceKind = "node-reset"
	GraphNodeDeleted GraphTraceKind = "node-deleted"
)

// Outcome classifies how a run or node ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeCancel  Outcome = "cancel"
)

// GraphTraceEvent is one entry of the graph trace.
type GraphTraceEvent struct {
	Kind    GraphTraceKind `json:"kind"`
	At      time.Time      `json:"at"`
	RunID   string         `json:"runId,omitempty"`
	Node    string         `json:"node,omitempty"`
	Type    string         `json:"type,omitempty"`
	Outcome Outcome        `json:"outcome,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// effectCalls pairs the effect requests in a node trace with their results.
// A request with no matching result is reported as failed so it is never
// offered for revert.
func effectCalls(n *NodeInstance) []timedCall {
	if n.State == nil {
		return nil
	}
	var (
		out   []timedCall
		index = make(map[string]int)
	)
	for _, ev := range n.State.Trace {
		switch ev.Kind {
		case TraceEffectRequest:
			index[ev.CallID] = len(out)
			out = append(out, timedCall{
				at: ev.At,
				call: effect.Call{
					ID:     ev.CallID,
					Effect: ev.Effect,
					NodeID: n.ID,
					Params: ev.Data,
					Error:  "no result recorded",
				},
			})
		case TraceEffectResult:
			i, ok := index[ev.CallID]
			if !ok {
				continue
			}
			out[i].call.Result = ev.Data
			out[i].call.Error = ev.Error
			out[i].call.Cached = ev.Cached
		}
	}
	return out
}

type timedCall struct {
	at   time.Time
	call effect.Call
}
