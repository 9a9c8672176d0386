// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scope implements the visibility namespaces nodes live in.
//
// Description:
//
//	Every graph has exactly one global scope instance, the root of the scope
//	tree. Task scopes are created fresh for every request and parented at the
//	scope of the node that asked for them, so structurally identical subtasks
//	created from different sites never collide during duplicate lookup.
//
// Thread Safety:
//
//	Table is safe for concurrent use.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownScope is returned when a scope id is not in the table.
var ErrUnknownScope = errors.New("unknown scope")

// Kind distinguishes the two scope flavours.
type Kind string

const (
	// KindGlobal is the per-graph singleton scope.
	KindGlobal Kind = "global"

	// KindTask is a per-request child scope.
	KindTask Kind = "task"
)

// Definition describes a requested scope.
type Definition struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
}

// Global returns the global scope definition.
func Global() *Definition {
	return &Definition{Kind: KindGlobal}
}

// Task returns a task scope definition for namespace.
func Task(namespace string) *Definition {
	return &Definition{Kind: KindTask, Namespace: namespace}
}

// Equal reports whether two definitions describe the same scope shape.
func (d Definition) Equal(other Definition) bool {
	return d.Kind == other.Kind && d.Namespace == other.Namespace
}

// String renders the definition for logs.
func (d Definition) String() string {
	if d.Namespace == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Namespace
}

// Instance is a live scope. Parent is empty only for the root.
type Instance struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	Parent     string     `json:"parent,omitempty"`
}

// Table owns the scope instances of one graph.
type Table struct {
	mu     sync.RWMutex
	root   string
	scopes map[string]Instance
}

// NewTable creates a table holding a fresh global root scope.
func NewTable() *Table {
	root := Instance{ID: uuid.NewString(), Definition: *Global()}
	return &Table{
		root:   root.ID,
		scopes: map[string]Instance{root.ID: root},
	}
}

// Root returns the id of the global scope.
func (t *Table) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Resolve returns the scope a new node should live in.
//
// Description:
//
//	A nil request inherits the creator's scope. A global request returns the
//	root. A task request always creates a new instance whose parent is the
//	creator's scope.
//
// Inputs:
//
//	requested - The scope the node definition asks for, or nil.
//	creator - Scope id of the creating node (or the root for seeds).
//
// Outputs:
//
//	Instance - The resolved scope.
//	bool - True if the instance was created by this call.
//	error - Wraps ErrUnknownScope if creator is not in the table.
func (t *Table) Resolve(requested *Definition, creator string) (Instance, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.scopes[creator]
	if !ok {
		return Instance{}, false, fmt.Errorf("%w: %s", ErrUnknownScope, creator)
	}

	switch {
	case requested == nil:
		return parent, false, nil
	case requested.Kind == KindGlobal:
		return t.scopes[t.root], false, nil
	case requested.Kind == KindTask:
		inst := Instance{ID: uuid.NewString(), Definition: *requested, Parent: parent.ID}
		t.scopes[inst.ID] = inst
		return inst, true, nil
	default:
		return Instance{}, false, fmt.Errorf("scope kind %q: %w", requested.Kind, ErrUnknownScope)
	}
}

// Get returns the instance with id.
func (t *Table) Get(id string) (Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.scopes[id]
	return inst, ok
}

// Chain returns id followed by its ancestors up to the root.
func (t *Table) Chain(id string) []Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Instance
	for cur := id; cur != ""; {
		inst, ok := t.scopes[cur]
		if !ok {
			break
		}
		out = append(out, inst)
		cur = inst.Parent
	}
	return out
}

// Prune drops task scopes not listed in live. The root always survives, and
// so does every ancestor of a live scope.
func (t *Table) Prune(live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := map[string]bool{t.root: true}
	for id := range live {
		for cur := id; cur != "" && !keep[cur]; {
			inst, ok := t.scopes[cur]
			if !ok {
				break
			}
			keep[cur] = true
			cur = inst.Parent
		}
	}
	for id := range t.scopes {
		if !keep[id] {
			delete(t.scopes, id)
		}
	}
}

// Export returns a copy of every instance keyed by id.
func (t *Table) Export() map[string]Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Instance, len(t.scopes))
	for id, inst := range t.scopes {
		out[id] = inst
	}
	return out
}

// Load builds a table from exported instances. Exactly one parentless global
// instance must be present; it becomes the root.
func Load(scopes map[string]Instance) (*Table, error) {
	if len(scopes) == 0 {
		return NewTable(), nil
	}

	t := &Table{scopes: make(map[string]Instance, len(scopes))}
	ids := make([]string, 0, len(scopes))
	for id := range scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		inst := scopes[id]
		if inst.ID != id {
			return nil, fmt.Errorf("scope %s: id mismatch %q", id, inst.ID)
		}
		if inst.Parent == "" {
			if inst.Definition.Kind != KindGlobal {
				return nil, fmt.Errorf("scope %s: parentless %s scope", id, inst.Definition.Kind)
			}
			if t.root != "" {
				return nil, fmt.Errorf("scope %s: second global root (first %s)", id, t.root)
			}
			t.root = id
		}
		t.scopes[id] = inst
	}
	if t.root == "" {
		return nil, errors.New("scope table has no global root")
	}
	for _, id := range ids {
		if p := scopes[id].Parent; p != "" {
			if _, ok := t.scopes[p]; !ok {
				return nil, fmt.Errorf("scope %s: parent %s: %w", id, p, ErrUnknownScope)
			}
		}
	}
	return t, nil
}
