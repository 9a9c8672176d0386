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
	"slices"
	"time"
)

// Status is the lifecycle state of a node instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// NodeInstance is one node in the table.
type NodeInstance struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Value is the raw input, possibly holding references.
	Value any `json:"value"`

	// Scope is the owning scope instance id.
	Scope string `json:"scope"`

	// Dependencies are explicit plus reference-implicit dependencies.
	Dependencies []string `json:"dependencies"`

	// CreatedBy is the node whose body created this one, empty for seeds.
	CreatedBy string `json:"createdBy,omitempty"`

	// State is nil until the node first starts.
	State *NodeState `json:"state,omitempty"`
}

// NodeState is the mutable run state of an instance.
type NodeState struct {
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Input is the resolved input the body saw.
	Input any `json:"input,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Dependencies were added at runtime through blocking requests.
	Dependencies []string `json:"dependencies,omitempty"`

	// Created lists instances this node's body created.
	Created []string `json:"created,omitempty"`

	Trace []TraceEvent `json:"trace,omitempty"`
}

// Status derives the lifecycle state.
func (n *NodeInstance) Status() Status {
	switch {
	case n.State == nil || n.State.StartedAt == nil:
		return StatusPending
	case n.State.CompletedAt == nil:
		return StatusRunning
	case n.State.Error != "":
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// AllDependencies returns structural and runtime dependencies, deduplicated.
func (n *NodeInstance) AllDependencies() []string {
	out := slices.Clone(n.Dependencies)
	if n.State != nil {
		for _, d := range n.State.Dependencies {
			if !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
	}
	return out
}

// DependsOn reports whether id is among n's dependencies.
func (n *NodeInstance) DependsOn(id string) bool {
	if slices.Contains(n.Dependencies, id) {
		return true
	}
	return n.State != nil && slices.Contains(n.State.Dependencies, id)
}

// Created returns the ids this node's body created.
func (n *NodeInstance) Created() []string {
	if n.State == nil {
		return nil
	}
	return n.State.Created
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}
