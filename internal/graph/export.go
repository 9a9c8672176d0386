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
	"sort"

	"github.com/AleutianAI/nodegraph/internal/ref"
	"github.com/AleutianAI/nodegraph/internal/scope"
)

// GraphData is the persisted form of a graph: everything needed to resume it.
type GraphData struct {
	Nodes  map[string]*NodeInstance  `json:"nodes"`
	Order  []string                  `json:"order,omitempty"`
	Scopes map[string]scope.Instance `json:"scopes"`
	Trace  []GraphTraceEvent         `json:"trace"`
}

// UnmarshalJSON restores references embedded in raw inputs.
func (n *NodeInstance) UnmarshalJSON(data []byte) error {
	type plain NodeInstance
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Value = ref.Decode(p.Value)
	*n = NodeInstance(p)
	return nil
}

// UnmarshalJSON restores references embedded in recorded values.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	type plain NodeState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Input = ref.Decode(p.Input)
	p.Result = ref.Decode(p.Result)
	for i := range p.Trace {
		p.Trace[i].Data = ref.Decode(p.Trace[i].Data)
	}
	*s = NodeState(p)
	return nil
}

// Export returns a deep copy of the graph state.
func (g *Graph) Export() *GraphData {
	g.mu.Lock()
	defer g.mu.Unlock()
	return mustClone(&GraphData{
		Nodes:  g.nodes,
		Order:  g.order,
		Scopes: g.scopes.Export(),
		Trace:  g.trace,
	})
}

// FromData builds a graph from exported state.
//
// Description:
//
//	The data is deep-cloned, so the caller keeps ownership of data. Nodes
//	exported while running come back pending with their partial state
//	discarded. Every node type must be defined in cfg and every scope and
//	dependency must exist.
//
// Outputs:
//
//	*Graph - The restored graph.
//	error - Construction errors from New, a copy failure for values that
//	are not JSON-encodable, ErrUnknownNodeType, scope.ErrUnknownScope or
//	ErrNodeNotFound.
func FromData(cfg Config, data *GraphData) (*Graph, error) {
	g, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return g, nil
	}
	clone, err := cloneJSON(data)
	if err != nil {
		return nil, fmt.Errorf("copy graph data: %w", err)
	}

	scopes, err := scope.Load(clone.Scopes)
	if err != nil {
		return nil, err
	}
	g.scopes = scopes

	order := make([]string, 0, len(clone.Nodes))
	seen := make(map[string]bool, len(clone.Nodes))
	for _, id := range clone.Order {
		if _, ok := clone.Nodes[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	var rest []string
	for id := range clone.Nodes {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	for _, id := range order {
		n := clone.Nodes[id]
		if n == nil || n.ID != id {
			return nil, fmt.Errorf("node %s: id mismatch", id)
		}
		if _, ok := g.defs[n.Type]; !ok {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrUnknownNodeType, n.Type, id)
		}
		if _, ok := scopes.Get(n.Scope); !ok {
			return nil, fmt.Errorf("node %s: %w: %s", id, scope.ErrUnknownScope, n.Scope)
		}
		if n.Status() == StatusRunning {
			n.State = nil
		}
	}
	for _, id := range order {
		for _, d := range clone.Nodes[id].AllDependencies() {
			if _, ok := clone.Nodes[d]; !ok {
				return nil, fmt.Errorf("%w: node %s depends on %s", ErrNodeNotFound, id, d)
			}
		}
	}

	g.nodes = clone.Nodes
	g.order = order
	g.trace = clone.Trace
	return g, nil
}
