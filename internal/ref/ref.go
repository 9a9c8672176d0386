// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ref implements late-bound references between node instances.
//
// A Reference points from one node's input field to another node's
// not-yet-computed value or result. References are plain data: they survive
// JSON export as {"$ref": {...}} objects and are restored by Decode.
// Resolution happens once, when the owning node starts.
package ref

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/nodegraph/internal/contract"
)

var (
	// ErrUnresolved is returned when a reference target or path has no value.
	ErrUnresolved = errors.New("unresolved reference")

	// ErrKindMismatch is returned when a resolved value has the wrong kind.
	ErrKindMismatch = errors.New("reference kind mismatch")

	// ErrInvalidReference is returned for malformed references.
	ErrInvalidReference = errors.New("invalid reference")
)

// marker is the JSON key identifying an encoded reference.
const marker = "$ref"

// AccessorKind selects which side of the target node is read.
type AccessorKind string

const (
	// Value reads from the target's resolved input.
	Value AccessorKind = "value"

	// Result reads from the target's result.
	Result AccessorKind = "result"
)

// Accessor describes what to read from the target.
type Accessor struct {
	Kind   AccessorKind  `json:"kind"`
	Path   string        `json:"path,omitempty"`
	Expect contract.Kind `json:"expect,omitempty"`
}

// Reference is a serializable pointer to another node's data.
type Reference struct {
	Node     string   `json:"node"`
	Accessor Accessor `json:"accessor"`
}

// New builds a reference after checking the accessor is well formed.
//
// Inputs:
//
//	node - Target node instance id. Must not be empty.
//	kind - Value or Result.
//	path - Path inside the target data ("" for the whole value).
//	expect - Kind the resolved value must have ("" or KindAny for no check).
//
// Outputs:
//
//	Reference - The reference.
//	error - Wraps ErrInvalidReference or contract.ErrInvalidPath.
func New(node string, kind AccessorKind, path string, expect contract.Kind) (Reference, error) {
	r := Reference{Node: node, Accessor: Accessor{Kind: kind, Path: path, Expect: expect}}
	if err := r.Check(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

// Check validates the reference shape.
func (r Reference) Check() error {
	if r.Node == "" {
		return fmt.Errorf("%w: empty target node", ErrInvalidReference)
	}
	if r.Accessor.Kind != Value && r.Accessor.Kind != Result {
		return fmt.Errorf("%w: accessor kind %q", ErrInvalidReference, r.Accessor.Kind)
	}
	if !r.Accessor.Expect.Valid() {
		return fmt.Errorf("%w: expected kind %q", ErrInvalidReference, r.Accessor.Expect)
	}
	if _, err := contract.ParsePath(r.Accessor.Path); err != nil {
		return err
	}
	return nil
}

// PlaceholderKind implements contract.Placeholder.
func (r Reference) PlaceholderKind() contract.Kind {
	if r.Accessor.Expect == "" {
		return contract.KindAny
	}
	return r.Accessor.Expect
}

// String renders the reference for logs.
func (r Reference) String() string {
	return fmt.Sprintf("%s.%s:%s", r.Node, r.Accessor.Kind, r.Accessor.Path)
}

type wireReference struct {
	Node     string   `json:"node"`
	Accessor Accessor `json:"accessor"`
}

// MarshalJSON encodes the reference as {"$ref": {...}}.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]wireReference{marker: wireReference(r)})
}

// UnmarshalJSON accepts the {"$ref": {...}} form. Every failure wraps
// ErrInvalidReference.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	raw, ok := env[marker]
	if !ok || len(env) != 1 {
		return fmt.Errorf("%w: missing %q envelope", ErrInvalidReference, marker)
	}
	var w wireReference
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	*r = Reference(w)
	return nil
}

// Read extracts the referenced value from the target's data and checks its
// kind. The caller picks the target's value or result per r.Accessor.Kind.
func (r Reference) Read(source any) (any, error) {
	p, err := contract.ParsePath(r.Accessor.Path)
	if err != nil {
		return nil, err
	}
	v, ok := contract.Lookup(source, p)
	if !ok {
		return nil, &ResolveError{Ref: r, Err: ErrUnresolved}
	}
	if want := r.PlaceholderKind(); !want.Accepts(contract.KindOf(v)) {
		return nil, &ResolveError{
			Ref: r,
			Err: fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, contract.KindOf(v), want),
		}
	}
	return v, nil
}

// ResolveError wraps a failure to resolve a specific reference.
type ResolveError struct {
	Ref Reference
	Err error
}

// Error implements error.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Ref, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResolveError) Unwrap() error {
	return e.Err
}
