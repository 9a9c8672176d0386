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
	"context"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/nodegraph/internal/ref"
)

// Outcome is what one invocation produced.
type Outcome struct {
	// Params are the normalized params the action saw.
	Params any

	// Result is the normalized result.
	Result any

	// Key is the cache key used, or NoCache.
	Key string

	// Cached is true when the action did not run for this caller.
	Cached bool
}

// Invoker runs effects through the cache.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent misses on the same key share one
//	execution of the action.
type Invoker struct {
	registry *Registry
	cache    Cache
	flight   singleflight.Group
}

// NewInvoker creates an invoker. cache may be nil only when no registered
// effect is cacheable.
func NewInvoker(registry *Registry, cache Cache) (*Invoker, error) {
	if registry.Cacheable() && cache == nil {
		return nil, ErrCacheRequired
	}
	return &Invoker{registry: registry, cache: cache}, nil
}

// Registry returns the registry the invoker dispatches against.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Invoke runs effect id with params.
//
// Description:
//
//	Params are normalized and validated, then a cache key is derived. A hit
//	returns the stored result without running the action. A miss runs the
//	action (once per key across concurrent callers), validates and normalizes
//	the result, and stores it.
//
// Inputs:
//
//	ctx - Checked before anything runs.
//	id - Effect to invoke.
//	env - Passed to the action.
//	params - Raw params.
//
// Outputs:
//
//	Outcome - Normalized params/result and cache information. Params are set
//	even on error so callers can trace the request.
//	error - ctx.Err(), ErrUnknownEffect, a contract violation, or *Error.
func (inv *Invoker) Invoke(ctx context.Context, id ID, env Env, params any) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	def, err := inv.registry.Lookup(id)
	if err != nil {
		return Outcome{}, err
	}

	norm, err := ref.Normalize(params)
	if err != nil {
		return Outcome{}, &Error{EffectID: id, Err: err}
	}
	out := Outcome{Params: norm}

	if def.Params != nil {
		if err := def.Params.Validate(norm); err != nil {
			return out, fmt.Errorf("effect %s params: %w", id, err)
		}
	}

	if def.Cacheable {
		if out.Key, err = cacheKey(id, def, norm); err != nil {
			return out, &Error{EffectID: id, Err: err}
		}
	}

	if out.Key == NoCache {
		out.Result, err = inv.execute(ctx, id, def, env, norm)
		return out, err
	}

	if v, ok, err := inv.cache.Get(ctx, out.Key); err != nil {
		return out, &Error{EffectID: id, Err: fmt.Errorf("cache get: %w", err)}
	} else if ok {
		out.Result, out.Cached = v, true
		return out, nil
	}

	executed := false
	v, err, _ := inv.flight.Do(out.Key, func() (any, error) {
		executed = true
		res, err := inv.execute(ctx, id, def, env, norm)
		if err != nil {
			return nil, err
		}
		if err := inv.cache.Set(ctx, out.Key, res); err != nil {
			return nil, &Error{EffectID: id, Err: fmt.Errorf("cache set: %w", err)}
		}
		return res, nil
	})
	if err != nil {
		return out, err
	}
	out.Result, out.Cached = v, !executed
	return out, nil
}

func (inv *Invoker) execute(ctx context.Context, id ID, def *Definition, env Env, params any) (any, error) {
	res, err := def.Run(ctx, env, params)
	if err != nil {
		return nil, &Error{EffectID: id, Err: err}
	}
	norm, err := ref.Normalize(res)
	if err != nil {
		return nil, &Error{EffectID: id, Err: err}
	}
	if def.Result != nil {
		if err := def.Result.Validate(norm); err != nil {
			return nil, fmt.Errorf("effect %s result: %w", id, err)
		}
	}
	return norm, nil
}

// cacheKey derives the key for a cacheable call.
func cacheKey(id ID, def *Definition, params any) (string, error) {
	if def.CacheKey != nil {
		key, err := def.CacheKey(params)
		if err != nil || key == NoCache {
			return NoCache, err
		}
		return string(id) + ":" + key, nil
	}
	h, err := hashstructure.Hash(params, hashstructure.FormatV2, nil)
	if err != nil {
		return NoCache, fmt.Errorf("hash params: %w", err)
	}
	return fmt.Sprintf("%s:%016x", id, h), nil
}

// RateLimited returns a copy of def whose action waits on limiter first.
func RateLimited(def *Definition, limiter *rate.Limiter) *Definition {
	wrapped := *def
	run := def.Run
	wrapped.Run = func(ctx context.Context, env Env, params any) (any, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		return run(ctx, env, params)
	}
	return &wrapped
}
