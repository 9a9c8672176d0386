// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ref

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
)

// Normalize converts v into its canonical JSON shape (map[string]any, []any,
// float64, string, bool, nil) with references restored as Reference values.
//
// Description:
//
//	All raw inputs, params and results pass through Normalize so that
//	structural equality and cache keys do not depend on the Go types a caller
//	happened to use (int vs float64, struct vs map).
//
// Outputs:
//
//	any - The normalized value. Shares nothing with v.
//	error - Non-nil if v cannot be encoded as JSON.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return Decode(out), nil
}

// Decode walks a value produced by encoding/json and replaces every
// {"$ref": {...}} object with a Reference.
func Decode(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if r, ok := asReference(x); ok {
			return r
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Decode(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Decode(item)
		}
		return out
	default:
		return v
	}
}

func asReference(m map[string]any) (Reference, bool) {
	if len(m) != 1 {
		return Reference{}, false
	}
	raw, ok := m[marker]
	if !ok {
		return Reference{}, false
	}
	body, ok := raw.(map[string]any)
	if !ok {
		return Reference{}, false
	}
	data, err := json.Marshal(map[string]any{marker: body})
	if err != nil {
		return Reference{}, false
	}
	var r Reference
	if err := json.Unmarshal(data, &r); err != nil || r.Check() != nil {
		return Reference{}, false
	}
	return r, true
}

// Collect returns the distinct target node ids referenced anywhere in v, in
// order of first appearance (map keys are visited in sorted order).
func Collect(v any) []string {
	var (
		seen = make(map[string]bool)
		out  []string
	)
	Walk(v, func(r Reference) {
		if !seen[r.Node] {
			seen[r.Node] = true
			out = append(out, r.Node)
		}
	})
	return out
}

// Walk calls fn for every Reference in v.
func Walk(v any, fn func(Reference)) {
	switch x := v.(type) {
	case Reference:
		fn(x)
	case *Reference:
		if x != nil {
			fn(*x)
		}
	case map[string]any:
		for _, k := range sortedKeys(x) {
			Walk(x[k], fn)
		}
	case []any:
		for _, item := range x {
			Walk(item, fn)
		}
	}
}

// Resolve returns a deep copy of v with every Reference replaced by the value
// returned from lookup. The first lookup error aborts resolution.
func Resolve(v any, lookup func(Reference) (any, error)) (any, error) {
	switch x := v.(type) {
	case Reference:
		return lookup(x)
	case *Reference:
		if x == nil {
			return nil, nil
		}
		return lookup(*x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			item, err := Resolve(x[k], lookup)
			if err != nil {
				return nil, err
			}
			out[k] = item
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := Resolve(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep structural equality of two normalized values. Two
// references are equal only when they name the same target and accessor.
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}
