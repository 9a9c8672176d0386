// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"sort"
)

// Contract validates values crossing a node or effect boundary.
type Contract interface {
	Validate(v any) error
}

// Shaped is implemented by contracts that can report the kind stored at a
// path. It powers reference type-checking at reference-minting time.
type Shaped interface {
	KindAt(p Path) (Kind, bool)
}

// Schema is a structural contract over JSON-shaped values.
//
// Description:
//
//	Kind constrains the value itself. For objects, Fields describes known
//	properties and Required lists the ones that must be present; unknown
//	properties are allowed. For arrays, Items describes every element.
//	A nil *Schema accepts everything.
//
// Example:
//
//	s := contract.Object(map[string]*contract.Schema{
//	    "goal":  contract.String(),
//	    "steps": contract.Array(contract.Any()),
//	}, "goal")
type Schema struct {
	Kind     Kind
	Fields   map[string]*Schema
	Required []string
	Items    *Schema
}

// Any returns a schema accepting every value.
func Any() *Schema { return &Schema{Kind: KindAny} }

// String returns a string schema.
func String() *Schema { return &Schema{Kind: KindString} }

// Number returns a number schema.
func Number() *Schema { return &Schema{Kind: KindNumber} }

// Bool returns a bool schema.
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Array returns an array schema whose elements satisfy items (nil for any).
func Array(items *Schema) *Schema { return &Schema{Kind: KindArray, Items: items} }

// Object returns an object schema with the given fields and required names.
func Object(fields map[string]*Schema, required ...string) *Schema {
	return &Schema{Kind: KindObject, Fields: fields, Required: required}
}

// Validate implements Contract.
func (s *Schema) Validate(v any) error {
	return s.validate(v, Path{})
}

func (s *Schema) validate(v any, at Path) error {
	if s == nil {
		return nil
	}

	if p, ok := v.(Placeholder); ok {
		if !s.Kind.Accepts(p.PlaceholderKind()) {
			return violation(at, "reference of kind %s where %s is required", p.PlaceholderKind(), s.Kind)
		}
		return nil
	}

	v = plain(v)
	got := KindOf(v)
	if !s.Kind.Accepts(got) {
		return violation(at, "got %s, want %s", got, s.Kind)
	}

	switch x := v.(type) {
	case map[string]any:
		for _, name := range s.Required {
			if _, ok := x[name]; !ok {
				return violation(at.Child(Segment{Field: name}), "required field missing")
			}
		}
		// Sorted for deterministic error reporting.
		names := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			item, ok := x[name]
			if !ok {
				continue
			}
			if err := s.Fields[name].validate(item, at.Child(Segment{Field: name})); err != nil {
				return err
			}
		}
	case []any:
		if s.Items == nil {
			return nil
		}
		for i, item := range x {
			if err := s.Items.validate(item, at.Child(Segment{Index: i, IsIndex: true})); err != nil {
				return err
			}
		}
	}
	return nil
}

// KindAt implements Shaped. Undescribed locations report KindAny; the second
// result is false only when the path contradicts the schema (indexing into a
// string, for example).
func (s *Schema) KindAt(p Path) (Kind, bool) {
	cur := s
	for _, seg := range p {
		if cur == nil || cur.Kind == KindAny || cur.Kind == "" {
			return KindAny, true
		}
		if seg.IsIndex {
			if cur.Kind != KindArray {
				return "", false
			}
			cur = cur.Items
			continue
		}
		if cur.Kind != KindObject {
			return "", false
		}
		cur = cur.Fields[seg.Field]
	}
	if cur == nil {
		return KindAny, true
	}
	if cur.Kind == "" {
		return KindAny, true
	}
	return cur.Kind, true
}
