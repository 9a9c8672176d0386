// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package effect defines boundary-crossing actions nodes may invoke.
//
// Description:
//
//	An effect wraps anything externally observable: a file write, an API call,
//	a directory scan. Definitions are stateless and registered once. The
//	Invoker adds content-addressed caching in front of cacheable effects and
//	collapses concurrent identical misses. Revertible effects carry a
//	compensating action used when the node that called them is reset.
package effect

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/nodegraph/internal/contract"
)

var (
	// ErrUnknownEffect is returned for effect ids not in the registry.
	ErrUnknownEffect = errors.New("unknown effect")

	// ErrEffectConflict is returned when two nodes register different
	// definitions under the same id.
	ErrEffectConflict = errors.New("conflicting effect registration")

	// ErrInvalidDefinition is returned for definitions missing a Run function.
	ErrInvalidDefinition = errors.New("invalid effect definition")

	// ErrCacheRequired is returned when a cacheable effect is registered but
	// no cache provider was supplied.
	ErrCacheRequired = errors.New("cache provider required")
)

// NoCache is returned by a CacheKey function to bypass the cache for a call.
const NoCache = ""

// ID identifies an effect within a graph.
type ID string

// Env is the context handed to effect and revert functions.
type Env struct {
	// NodeID is the node instance performing the call.
	NodeID string

	// CallID is the id of this call as recorded in the node trace.
	CallID string

	// Extra is the caller-supplied context object, passed through untouched.
	Extra any
}

// RunFunc performs the action.
type RunFunc func(ctx context.Context, env Env, params any) (any, error)

// RevertFunc compensates a previously recorded call.
type RevertFunc func(ctx context.Context, env Env, call Call) error

// Definition describes one effect.
//
// Description:
//
//	Params and Result are optional contracts. When Cacheable is set, results
//	are stored under a key derived by CacheKey, or by hashing the normalized
//	params when CacheKey is nil. CacheKey may return NoCache to skip caching
//	for a particular call. Revert makes the effect revertible; CanRevert, if
//	set, narrows which recorded calls are eligible.
type Definition struct {
	Params    contract.Contract
	Result    contract.Contract
	Run       RunFunc
	Cacheable bool
	CacheKey  func(params any) (string, error)
	CanRevert func(call Call) bool
	Revert    RevertFunc
}

// Revertible reports whether the definition has a compensating action.
func (d *Definition) Revertible() bool {
	return d != nil && d.Revert != nil
}

// Eligible reports whether a recorded call may be reverted. Failed calls
// never are.
func (d *Definition) Eligible(c Call) bool {
	if !d.Revertible() || c.Error != "" {
		return false
	}
	return d.CanRevert == nil || d.CanRevert(c)
}

// Call is one recorded request/result pair.
type Call struct {
	ID     string `json:"id"`
	Effect ID     `json:"effect"`
	NodeID string `json:"node"`
	Params any    `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Cached bool   `json:"cached,omitempty"`
}

// Cache stores effect results by key. Implementations must tolerate
// concurrent calls.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Error wraps a failure raised while invoking a specific effect.
type Error struct {
	EffectID ID
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("effect %s: %v", e.EffectID, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
