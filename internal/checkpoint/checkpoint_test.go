// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nodegraph/internal/graph"
)

func echoConfig() graph.Config {
	return graph.Config{Definitions: []*graph.NodeDefinition{{
		Type: "Echo",
		Run: func(_ context.Context, _ *graph.Runner, input any) (any, error) {
			return input, nil
		},
	}}}
}

func savedGraph(t *testing.T, path string) (*graph.Graph, string) {
	t.Helper()
	g, err := graph.New(echoConfig())
	require.NoError(t, err)
	id, err := g.AddNode("Echo", map[string]any{"msg": "hello"})
	require.NoError(t, err)
	require.NoError(t, g.Run(context.Background()))
	require.NoError(t, Save(g.Export(), "echo-graph", path))
	return g, id
}

// rewrite decodes the checkpoint at path, applies edit and writes it back.
func rewrite(t *testing.T, path string, edit func(m map[string]any)) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	edit(m)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	_, id := savedGraph(t, path)

	cp, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "echo-graph", cp.Name)
	assert.Equal(t, Version, cp.Version)
	assert.NotEmpty(t, cp.Checksum)
	require.Contains(t, cp.Data.Nodes, id)
	assert.Equal(t, map[string]any{"msg": "hello"}, cp.Data.Nodes[id].State.Result)
}

func TestSave_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cp.json")
	savedGraph(t, path)
	savedGraph(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cp.json", entries[0].Name())
}

func TestSave_InvalidInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	data := &graph.GraphData{}

	assert.ErrorIs(t, Save(nil, "ok", path), ErrInvalidInput)
	assert.ErrorIs(t, Save(data, "", path), ErrInvalidInput)
	assert.ErrorIs(t, Save(data, "bad name!", path), ErrInvalidInput)
	assert.ErrorIs(t, Save(data, "ok", ""), ErrInvalidInput)
	assert.Error(t, Save(data, "ok", filepath.Join(t.TempDir(), "missing", "cp.json")))
}

func TestLoad_DetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	savedGraph(t, path)

	rewrite(t, path, func(m map[string]any) {
		m["graph"].(map[string]any)["order"] = []any{}
	})
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad_DetectsRenamedGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	savedGraph(t, path)

	rewrite(t, path, func(m map[string]any) { m["name"] = "other" })
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad_ReformattedFileStillVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	savedGraph(t, path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, raw))
	require.NoError(t, os.WriteFile(path, compact.Bytes(), 0o600))

	_, err = Load(path)
	assert.NoError(t, err)
}

func TestLoad_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	savedGraph(t, path)

	rewrite(t, path, func(m map[string]any) { m["version"] = "0.1.0" })
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o600))
	_, err = Load(garbage)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	original, id := savedGraph(t, path)

	g, cp, err := Resume(context.Background(), echoConfig(), path)
	require.NoError(t, err)
	assert.Equal(t, "echo-graph", cp.Name)

	restored, ok := g.Node(id)
	require.True(t, ok)
	want, _ := original.Node(id)
	assert.Equal(t, want.State.Result, restored.State.Result)
	assert.Equal(t, graph.StatusCompleted, restored.Status())

	_, _, err = Resume(context.Background(), graph.Config{}, path)
	assert.ErrorIs(t, err, graph.ErrUnknownNodeType)
}
