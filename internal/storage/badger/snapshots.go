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
	"regexp"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/nodegraph/internal/graph"
)

const snapshotPrefix = "snapshot/"

// ErrSnapshotNotFound is returned when no snapshot has the requested name.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrInvalidName is returned for snapshot names outside [A-Za-z0-9_.-].
var ErrInvalidName = errors.New("invalid snapshot name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// SnapshotInfo describes a stored snapshot without its contents.
type SnapshotInfo struct {
	Name    string    `json:"name"`
	SavedAt time.Time `json:"saved_at"`
	Nodes   int       `json:"nodes"`
}

type snapshotRecord struct {
	SnapshotInfo
	Data *graph.GraphData `json:"data"`
}

// SnapshotStore keeps named graph exports.
//
// Thread Safety: Safe for concurrent use.
type SnapshotStore struct {
	db  *DB
	now func() time.Time
}

// NewSnapshotStore returns a store backed by db.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db, now: time.Now}
}

// Save stores data under name, replacing any previous snapshot.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	name - Snapshot name. Must match [A-Za-z0-9_.-]{1,128}.
//	data - Graph export, typically from Graph.Export.
//
// Outputs:
//
//	error - ErrInvalidName, an encoding failure, or a storage failure.
func (s *SnapshotStore) Save(ctx context.Context, name string, data *graph.GraphData) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if data == nil {
		return errors.New("snapshot data must not be nil")
	}
	rec := snapshotRecord{
		SnapshotInfo: SnapshotInfo{Name: name, SavedAt: s.now().UTC(), Nodes: len(data.Nodes)},
		Data:         data,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+name), raw)
	})
}

// Load returns the snapshot stored under name.
func (s *SnapshotStore) Load(ctx context.Context, name string) (*graph.GraphData, error) {
	var raw []byte
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + name))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	if rec.Data == nil {
		return nil, fmt.Errorf("decode snapshot %s: missing data", name)
	}
	return rec.Data, nil
}

// List returns every stored snapshot in key order.
func (s *SnapshotStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var info SnapshotInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// Delete removes the snapshot stored under name.
func (s *SnapshotStore) Delete(ctx context.Context, name string) error {
	return s.db.update(ctx, func(txn *badger.Txn) error {
		key := []byte(snapshotPrefix + name)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
			}
			return err
		}
		return txn.Delete(key)
	})
}
