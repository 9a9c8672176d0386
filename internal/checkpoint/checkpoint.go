// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint writes graph exports to integrity-checked files.
//
// A checkpoint file is indented JSON holding the export, the graph name, a
// format version, a timestamp and a SHA256 checksum over the rest. Files are
// written atomically (temp file + rename) so a crash never leaves a torn
// checkpoint behind.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/nodegraph/internal/graph"
)

// Version is the current checkpoint format version (semver).
const Version = "1.0.0"

var (
	// ErrInvalidInput is returned for empty paths, bad names or nil data.
	ErrInvalidInput = errors.New("invalid checkpoint input")

	// ErrVersionMismatch is returned when a file was written by another
	// format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrCorrupt is returned when the stored checksum does not match.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

var (
	tracer      = otel.Tracer("nodegraph.checkpoint")
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Checkpoint is a loaded, verified checkpoint.
type Checkpoint struct {
	Name      string
	Timestamp time.Time
	Version   string
	Checksum  string
	Data      *graph.GraphData
}

// file is the on-disk format.
type file struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Checksum  string          `json:"checksum"`
	Graph     json.RawMessage `json:"graph"`
}

// checksum hashes the compacted graph JSON together with the header fields.
func checksum(name, version string, ts time.Time, graphJSON []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, graphJSON); err != nil {
		return "", fmt.Errorf("compact graph: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", version, name, ts.UTC().Format(time.RFC3339Nano))
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Save writes data to path as a checkpoint named name.
//
// Description:
//
//	The parent directory must exist. An existing file at path is replaced
//	only once the new checkpoint is fully written and synced.
//
// Inputs:
//
//	data - Graph export. Must not be nil.
//	name - Graph name. Must match [a-zA-Z0-9_-]+.
//	path - Destination file.
//
// Outputs:
//
//	error - Wraps ErrInvalidInput, or an encoding or file system failure.
func Save(data *graph.GraphData, name, path string) error {
	if data == nil {
		return fmt.Errorf("%w: data must not be nil", ErrInvalidInput)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name must match pattern [a-zA-Z0-9_-]+, got %q", ErrInvalidInput, name)
	}
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	graphJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	ts := time.Now().UTC()
	sum, err := checksum(name, Version, ts, graphJSON)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(file{
		Name:      name,
		Timestamp: ts,
		Version:   Version,
		Checksum:  sum,
		Graph:     graphJSON,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return writeAtomic(path, out)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	success = true
	return nil
}

// Load reads and verifies the checkpoint at path.
//
// Outputs:
//
//	*Checkpoint - The verified checkpoint. Never nil on success.
//	error - ErrVersionMismatch, ErrCorrupt, or a read or parse failure.
func Load(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, f.Version, Version)
	}
	if len(f.Graph) == 0 {
		return nil, fmt.Errorf("%w: missing graph", ErrCorrupt)
	}
	want, err := checksum(f.Name, f.Version, f.Timestamp, f.Graph)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if want != f.Checksum {
		return nil, ErrCorrupt
	}

	var data graph.GraphData
	if err := json.Unmarshal(f.Graph, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return &Checkpoint{
		Name:      f.Name,
		Timestamp: f.Timestamp,
		Version:   f.Version,
		Checksum:  f.Checksum,
		Data:      &data,
	}, nil
}

// Resume loads the checkpoint at path and rebuilds a graph from it.
//
// Description:
//
//	Nodes that were running when the checkpoint was taken come back
//	pending; the caller runs the returned graph to continue.
//
// Inputs:
//
//	ctx - Context for tracing.
//	cfg - Graph configuration. Must define every node type in the file.
//	path - Checkpoint file.
//
// Outputs:
//
//	*graph.Graph - The restored graph.
//	*Checkpoint - The verified checkpoint header and data.
//	error - Any Load or graph.FromData failure.
func Resume(ctx context.Context, cfg graph.Config, path string) (*graph.Graph, *Checkpoint, error) {
	_, span := tracer.Start(ctx, "checkpoint.resume",
		trace.WithAttributes(attribute.String("checkpoint.path", path)),
	)
	defer span.End()

	cp, err := Load(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("checkpoint.name", cp.Name),
		attribute.Int("checkpoint.nodes", len(cp.Data.Nodes)),
	)

	g, err := graph.FromData(cfg, cp.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("restore graph: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("resumed from checkpoint",
		slog.String("name", cp.Name),
		slog.Int("nodes", len(cp.Data.Nodes)),
		slog.Time("checkpoint_time", cp.Timestamp),
	)
	return g, cp, nil
}
