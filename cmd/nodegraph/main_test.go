// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nodegraph/internal/demo"
	"github.com/AleutianAI/nodegraph/internal/graph"
)

func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "util.go"), []byte("package main\n"), 0o644))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func inspectJSON(t *testing.T, dir string, extra ...string) *graph.GraphData {
	t.Helper()
	code, out, errOut := runCLI(t, append([]string{"inspect", "-w", dir, "--json"}, extra...)...)
	require.Equal(t, 0, code, errOut)
	var data graph.GraphData
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	return &data
}

func nodeOfType(t *testing.T, data *graph.GraphData, typ string) *graph.NodeInstance {
	t.Helper()
	for _, n := range data.Nodes {
		if n.Type == typ {
			return n
		}
	}
	t.Fatalf("no %s node", typ)
	return nil
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "nodegraph dev")
}

func TestDemo_WritesPlanAndCheckpoint(t *testing.T) {
	dir := workspace(t)

	code, out, errOut := runCLI(t, "demo", "-w", dir, "--goal", "add tests")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, demo.TypePlan)
	assert.Contains(t, out, demo.TypeExecute)
	assert.Contains(t, out, "3 nodes: 3 completed")

	plan, err := os.ReadFile(filepath.Join(dir, demo.PlanFile("add tests")))
	require.NoError(t, err)
	assert.Contains(t, string(plan), "# add tests")
	assert.FileExists(t, filepath.Join(dir, ".nodegraph", "snapshots", "default.json"))

	data := inspectJSON(t, dir)
	assert.Len(t, data.Nodes, 3)
	assert.Equal(t, graph.StatusCompleted, nodeOfType(t, data, demo.TypeExecute).Status())
}

func TestInspect_Table(t *testing.T) {
	dir := workspace(t)
	code, _, errOut := runCLI(t, "demo", "-w", dir)
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, "inspect", "-w", dir, "--trace")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, demo.TypeProjectAnalysis)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Trace")
	assert.Contains(t, out, string(graph.GraphRunEnd))
}

func TestInspect_MissingCheckpoint(t *testing.T) {
	code, _, errOut := runCLI(t, "inspect", "-w", workspace(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func TestReset_RevertsPlanFile(t *testing.T) {
	dir := workspace(t)
	code, _, errOut := runCLI(t, "demo", "-w", dir, "--goal", "add tests")
	require.Equal(t, 0, code, errOut)

	plan := nodeOfType(t, inspectJSON(t, dir), demo.TypePlan)

	code, out, errOut := runCLI(t, "reset", "-w", dir, plan.ID[:8])
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "reset "+plan.ID[:8])
	assert.NoFileExists(t, filepath.Join(dir, demo.PlanFile("add tests")))

	data := inspectJSON(t, dir)
	require.Len(t, data.Nodes, 1)
	assert.Equal(t, graph.StatusPending, data.Nodes[plan.ID].Status())

	code, _, errOut = runCLI(t, "reset", "-w", dir, "--run", plan.ID)
	require.Equal(t, 0, code, errOut)
	assert.FileExists(t, filepath.Join(dir, demo.PlanFile("add tests")))
}

func TestReset_KeepFiles(t *testing.T) {
	dir := workspace(t)
	code, _, errOut := runCLI(t, "demo", "-w", dir, "--goal", "add tests")
	require.Equal(t, 0, code, errOut)

	plan := nodeOfType(t, inspectJSON(t, dir), demo.TypePlan)
	code, _, errOut = runCLI(t, "reset", "-w", dir, "--delete", "--keep-files", plan.ID)
	require.Equal(t, 0, code, errOut)

	assert.FileExists(t, filepath.Join(dir, demo.PlanFile("add tests")))
	assert.Empty(t, inspectJSON(t, dir).Nodes)
}

func TestReset_UnknownNode(t *testing.T) {
	dir := workspace(t)
	code, _, errOut := runCLI(t, "demo", "-w", dir)
	require.Equal(t, 0, code, errOut)

	code, _, errOut = runCLI(t, "reset", "-w", dir, "zzzz")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no node matches")
}

func TestBadgerBackend(t *testing.T) {
	dir := workspace(t)
	cfgPath := filepath.Join(dir, "nodegraph.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("cache:\n  backend: badger\n  badger_path: .nodegraph/db\n"), 0o644))

	code, _, errOut := runCLI(t, "demo", "-w", dir, "--config", cfgPath)
	require.Equal(t, 0, code, errOut)

	data := inspectJSON(t, dir, "--config", cfgPath, "--from-store")
	assert.Len(t, data.Nodes, 3)
	assert.False(t, scanCached(t, data), "first scan computes")

	plan := nodeOfType(t, data, demo.TypePlan)
	code, _, errOut = runCLI(t, "reset", "-w", dir, "--config", cfgPath, "--run", plan.ID)
	require.Equal(t, 0, code, errOut)
	assert.True(t, scanCached(t, inspectJSON(t, dir, "--config", cfgPath)), "badger cache survives the process")

	code, _, errOut = runCLI(t, "reset", "-w", dir, "--config", cfgPath, "--run", "--purge-cache", plan.ID)
	require.Equal(t, 0, code, errOut)
	assert.False(t, scanCached(t, inspectJSON(t, dir, "--config", cfgPath)), "purged cache recomputes")
}

// scanCached reports whether the analysis scan was served from the cache.
func scanCached(t *testing.T, data *graph.GraphData) bool {
	t.Helper()
	n := nodeOfType(t, data, demo.TypeProjectAnalysis)
	require.NotNil(t, n.State)
	for _, ev := range n.State.Trace {
		if ev.Kind == graph.TraceEffectResult && ev.Effect == demo.EffectScan {
			return ev.Cached
		}
	}
	t.Fatal("no scan result in trace")
	return false
}

func TestReset_PurgeCacheMemoryBackend(t *testing.T) {
	dir := workspace(t)
	code, _, errOut := runCLI(t, "demo", "-w", dir)
	require.Equal(t, 0, code, errOut)

	plan := nodeOfType(t, inspectJSON(t, dir), demo.TypePlan)
	code, _, errOut = runCLI(t, "reset", "-w", dir, "--purge-cache", "--run", plan.ID)
	require.Equal(t, 0, code, errOut)
	assert.Len(t, inspectJSON(t, dir).Nodes, 3)
}

func TestInspect_FromStoreNeedsBadger(t *testing.T) {
	code, _, errOut := runCLI(t, "inspect", "-w", workspace(t), "--from-store")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "badger")
}

func TestInit_WritesDiscoverableConfig(t *testing.T) {
	dir := workspace(t)
	code, out, errOut := runCLI(t, "init", "-w", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, filepath.Join(".nodegraph", "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, ".nodegraph", "config.yaml"))

	code, _, errOut = runCLI(t, "demo", "-w", dir)
	require.Equal(t, 0, code, errOut)
}

func TestInvalidLogLevel(t *testing.T) {
	code, _, errOut := runCLI(t, "version", "--log-level", "loud")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid config")
}

func TestMatchNode(t *testing.T) {
	g, err := graph.New(graph.Config{Definitions: []*graph.NodeDefinition{
		{Type: "Echo", Run: func(_ context.Context, _ *graph.Runner, in any) (any, error) { return in, nil }},
	}})
	require.NoError(t, err)
	a, err := g.AddNode("Echo", map[string]any{"n": 1.0})
	require.NoError(t, err)
	_, err = g.AddNode("Echo", map[string]any{"n": 2.0})
	require.NoError(t, err)

	got, err := matchNode(g, a)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = matchNode(g, "")
	assert.ErrorIs(t, err, errAmbiguous)
	_, err = matchNode(g, "not-an-id")
	assert.ErrorIs(t, err, errNoMatch)
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.json")

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, func() { calls.Add(1) })
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchFile did not stop")
	}
}
