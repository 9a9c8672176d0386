// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides in-process effect.Cache implementations.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/nodegraph/internal/ref"
)

// LRU is a bounded, TTL-aware effect result cache.
//
// # Description
//
// Entries are evicted least-recently-used first once MaxEntries is reached.
// Expired entries are dropped lazily on Get. Stored values are deep-copied
// on the way in and out so callers can never mutate a cached result.
//
// # Thread Safety
//
// Safe for concurrent use.
type LRU struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	options Options
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
	sets      int64
}

type entry struct {
	key      string
	value    any
	storedAt time.Time
	elem     *list.Element
}

// Options configures an LRU.
type Options struct {
	// MaxEntries is the maximum number of cached results.
	// Default: 1024
	MaxEntries int

	// MaxAge is the TTL for cached entries. Zero disables expiry.
	// Default: 0
	MaxAge time.Duration
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{MaxEntries: 1024}
}

// Option is a functional option for configuring an LRU.
type Option func(*Options)

// WithMaxEntries sets the capacity. Non-positive values are ignored.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithMaxAge sets the TTL. Non-positive values are ignored.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxAge = d
		}
	}
}

// New creates an empty LRU.
func New(opts ...Option) *LRU {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	initMetrics()
	return &LRU{
		entries: make(map[string]*entry),
		lru:     list.New(),
		options: options,
		now:     time.Now,
	}
}

// Get implements effect.Cache.
func (c *LRU) Get(ctx context.Context, key string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.expiredLocked(e) {
		c.removeLocked(e)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		recordLookup(ctx, "lru", false)
		return nil, false, nil
	}
	c.lru.MoveToFront(e.elem)
	value := e.value
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	recordLookup(ctx, "lru", true)
	out, err := ref.Normalize(value)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set implements effect.Cache. An existing entry for key is replaced.
func (c *LRU) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, err := ref.Normalize(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = stored
		e.storedAt = c.now()
		c.lru.MoveToFront(e.elem)
		atomic.AddInt64(&c.sets, 1)
		return nil
	}

	for len(c.entries) >= c.options.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(c.entries[back.Value.(string)])
		atomic.AddInt64(&c.evictions, 1)
		recordEviction(ctx, "lru")
	}

	e := &entry{key: key, value: stored, storedAt: c.now()}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// Purge removes all entries. It never fails; the error matches the badger
// cache's Purge.
func (c *LRU) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
	return nil
}

// Len returns the number of entries, including expired ones not yet dropped.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LRU) expiredLocked(e *entry) bool {
	if c.options.MaxAge == 0 {
		return false
	}
	return c.now().Sub(e.storedAt) > c.options.MaxAge
}

func (c *LRU) removeLocked(e *entry) {
	if e == nil {
		return
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

// Stats contains counters describing cache behavior.
type Stats struct {
	Entries    int
	Hits       int64
	Misses     int64
	Evictions  int64
	Sets       int64
	MaxEntries int
	MaxAge     time.Duration
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns a snapshot of the counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Entries:    n,
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Evictions:  atomic.LoadInt64(&c.evictions),
		Sets:       atomic.LoadInt64(&c.sets),
		MaxEntries: c.options.MaxEntries,
		MaxAge:     c.options.MaxAge,
	}
}
