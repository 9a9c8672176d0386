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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/nodegraph/internal/contract"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]any
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string]any)} }

func (c *mapCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
	c.sets++
	return nil
}

func counting(calls *int) RunFunc {
	return func(_ context.Context, _ Env, params any) (any, error) {
		*calls++
		return map[string]any{"echo": params}, nil
	}
}

func TestMerge(t *testing.T) {
	shared := &Definition{Run: counting(new(int))}

	t.Run("same pointer across owners", func(t *testing.T) {
		reg, err := Merge(map[string]map[ID]*Definition{
			"A": {"fs.scan": shared},
			"B": {"fs.scan": shared},
		})
		require.NoError(t, err)
		assert.Equal(t, []ID{"fs.scan"}, reg.IDs())
	})

	t.Run("conflict", func(t *testing.T) {
		_, err := Merge(map[string]map[ID]*Definition{
			"A": {"fs.scan": shared},
			"B": {"fs.scan": {Run: counting(new(int))}},
		})
		assert.ErrorIs(t, err, ErrEffectConflict)
		assert.Contains(t, err.Error(), "A and B")
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := Merge(map[string]map[ID]*Definition{"A": {"x": {}}})
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("unknown lookup", func(t *testing.T) {
		reg, err := Merge(nil)
		require.NoError(t, err)
		_, err = reg.Lookup("nope")
		assert.ErrorIs(t, err, ErrUnknownEffect)
	})
}

func TestNewInvoker_CacheRequired(t *testing.T) {
	reg, err := Merge(map[string]map[ID]*Definition{
		"A": {"x": {Run: counting(new(int)), Cacheable: true}},
	})
	require.NoError(t, err)
	_, err = NewInvoker(reg, nil)
	assert.ErrorIs(t, err, ErrCacheRequired)
}

func TestInvoke_CacheShortCircuit(t *testing.T) {
	calls := 0
	reg, err := Merge(map[string]map[ID]*Definition{
		"A": {"fs.scan": {Run: counting(&calls), Cacheable: true}},
	})
	require.NoError(t, err)
	cache := newMapCache()
	inv, err := NewInvoker(reg, cache)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := inv.Invoke(ctx, "fs.scan", Env{}, map[string]any{"root": "."})
	require.NoError(t, err)
	second, err := inv.Invoke(ctx, "fs.scan", Env{}, map[string]any{"root": "."})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Result, second.Result)

	third, err := inv.Invoke(ctx, "fs.scan", Env{}, map[string]any{"root": "src"})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Key, third.Key)
	assert.Equal(t, 2, calls)
}

func TestInvoke_CacheKeyFunc(t *testing.T) {
	calls := 0
	def := &Definition{
		Run:       counting(&calls),
		Cacheable: true,
		CacheKey: func(params any) (string, error) {
			m, _ := params.(map[string]any)
			if m["fresh"] == true {
				return NoCache, nil
			}
			return "fixed", nil
		},
	}
	reg, err := Merge(map[string]map[ID]*Definition{"A": {"e": def}})
	require.NoError(t, err)
	cache := newMapCache()
	inv, err := NewInvoker(reg, cache)
	require.NoError(t, err)

	ctx := context.Background()
	out, err := inv.Invoke(ctx, "e", Env{}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "e:fixed", out.Key)

	out, err = inv.Invoke(ctx, "e", Env{}, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.True(t, out.Cached, "custom key ignores params")

	out, err = inv.Invoke(ctx, "e", Env{}, map[string]any{"fresh": true})
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, NoCache, out.Key)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, cache.sets)
}

func TestInvoke_Errors(t *testing.T) {
	boom := errors.New("boom")
	reg, err := Merge(map[string]map[ID]*Definition{
		"A": {
			"fail": {Run: func(context.Context, Env, any) (any, error) { return nil, boom }},
			"typed": {
				Run:    counting(new(int)),
				Params: contract.Object(map[string]*contract.Schema{"path": contract.String()}, "path"),
			},
		},
	})
	require.NoError(t, err)
	inv, err := NewInvoker(reg, nil)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = inv.Invoke(ctx, "fail", Env{}, nil)
	assert.ErrorIs(t, err, boom)
	var effErr *Error
	require.ErrorAs(t, err, &effErr)
	assert.Equal(t, ID("fail"), effErr.EffectID)

	out, err := inv.Invoke(ctx, "typed", Env{}, map[string]any{"path": 3})
	assert.ErrorIs(t, err, contract.ErrContractViolation)
	assert.Equal(t, map[string]any{"path": float64(3)}, out.Params)

	_, err = inv.Invoke(ctx, "missing", Env{}, nil)
	assert.ErrorIs(t, err, ErrUnknownEffect)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = inv.Invoke(cancelled, "typed", Env{}, map[string]any{"path": "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEligible(t *testing.T) {
	revert := func(context.Context, Env, Call) error { return nil }

	plain := &Definition{Run: counting(new(int))}
	assert.False(t, plain.Eligible(Call{}))

	all := &Definition{Run: counting(new(int)), Revert: revert}
	assert.True(t, all.Eligible(Call{}))
	assert.False(t, all.Eligible(Call{Error: "failed"}))

	narrowed := &Definition{
		Run:       counting(new(int)),
		Revert:    revert,
		CanRevert: func(c Call) bool { return c.Result != nil },
	}
	assert.False(t, narrowed.Eligible(Call{}))
	assert.True(t, narrowed.Eligible(Call{Result: "ok"}))
}

func TestRateLimited(t *testing.T) {
	calls := 0
	def := RateLimited(&Definition{Run: counting(&calls)}, rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := def.Run(context.Background(), Env{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = def.Run(ctx, Env{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
