// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/nodegraph/internal/ref"
)

const cachePrefix = "cache/"

// Cache is a persistent effect.Cache.
//
// Description:
//
//	Values are stored as JSON and decoded back into the normalized shape,
//	references included. Entries expire after TTL when it is positive;
//	expiry is enforced by BadgerDB itself.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	db  *DB
	ttl time.Duration
}

// NewCache returns a cache stored in db. A non-positive ttl keeps entries
// until they are overwritten.
func NewCache(db *DB, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl}
}

// Get implements effect.Cache.
func (c *Cache) Get(ctx context.Context, key string) (any, bool, error) {
	var data []byte
	err := c.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cachePrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return ref.Decode(v), true, nil
}

// Set implements effect.Cache.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.db.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(cachePrefix+key), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Purge removes every cached effect result.
func (c *Cache) Purge() error {
	return c.db.db.DropPrefix([]byte(cachePrefix))
}
