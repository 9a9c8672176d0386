// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package effect

import (
	"fmt"
	"sort"
)

// Registry is the closed set of effects known to a graph.
type Registry struct {
	defs   map[ID]*Definition
	owners map[ID]string
}

// Merge builds a registry from the effect maps each node type declares.
//
// Description:
//
//	Owners are visited in sorted order so conflict errors are deterministic.
//	Several node types may declare the same id as long as they point at the
//	same *Definition.
//
// Inputs:
//
//	declared - Effect maps keyed by owning node type.
//
// Outputs:
//
//	*Registry - The merged registry.
//	error - Wraps ErrEffectConflict or ErrInvalidDefinition.
func Merge(declared map[string]map[ID]*Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[ID]*Definition),
		owners: make(map[ID]string),
	}

	owners := make([]string, 0, len(declared))
	for owner := range declared {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		for id, def := range declared[owner] {
			if def == nil || def.Run == nil {
				return nil, fmt.Errorf("%w: %s declared by %s has no run function", ErrInvalidDefinition, id, owner)
			}
			if existing, ok := r.defs[id]; ok {
				if existing != def {
					return nil, fmt.Errorf("%w: %s declared by %s and %s", ErrEffectConflict, id, r.owners[id], owner)
				}
				continue
			}
			r.defs[id] = def
			r.owners[id] = owner
		}
	}
	return r, nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id ID) (*Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEffect, id)
	}
	return def, nil
}

// Cacheable reports whether any registered effect is cacheable.
func (r *Registry) Cacheable() bool {
	for _, def := range r.defs {
		if def.Cacheable {
			return true
		}
	}
	return false
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []ID {
	out := make([]ID, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
