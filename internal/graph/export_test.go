// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nodegraph/internal/contract"
	"github.com/AleutianAI/nodegraph/internal/ref"
)

func referenceGraph(t *testing.T) (cfg Config, g *Graph, producerID, consumerID string) {
	t.Helper()
	cfg = Config{Definitions: []*NodeDefinition{
		leaf("Producer", map[string]any{"items": []any{"a", "b"}}),
		{
			Type: "Consumer",
			Run: func(_ context.Context, _ *Runner, input any) (any, error) {
				return field(input, "item"), nil
			},
		},
	}}
	g = newGraph(t, cfg)
	producerID, err := g.AddNode("Producer", nil)
	require.NoError(t, err)
	r, err := ref.New(producerID, ref.Result, "items[1]", contract.KindString)
	require.NoError(t, err)
	consumerID, err = g.AddNode("Consumer", map[string]any{"item": r})
	require.NoError(t, err)
	return cfg, g, producerID, consumerID
}

func TestExport_FromData(t *testing.T) {
	cfg, g, producerID, consumerID := referenceGraph(t)
	require.NoError(t, g.Run(context.Background()))

	data := g.Export()
	encoded, err := json.Marshal(data)
	require.NoError(t, err)

	var decoded GraphData
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	restored, err := FromData(cfg, &decoded)
	require.NoError(t, err)

	consumer := mustNode(t, restored, consumerID)
	r, ok := field(consumer.Value, "item").(ref.Reference)
	require.True(t, ok, "reference restored from JSON")
	assert.Equal(t, producerID, r.Node)
	assert.Equal(t, "b", consumer.State.Result)
	require.Len(t, restored.Trace(), len(g.Trace()))
	for i, ev := range g.Trace() {
		assert.Equal(t, ev.Kind, restored.Trace()[i].Kind)
		assert.True(t, ev.At.Equal(restored.Trace()[i].At))
	}

	ids := func(nodes []*NodeInstance) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.ID)
		}
		return out
	}
	assert.Equal(t, ids(g.Nodes()), ids(restored.Nodes()))

	// Nothing left to do.
	require.NoError(t, restored.Run(context.Background()))
}

func TestExport_IsDeepCopy(t *testing.T) {
	_, g, producerID, _ := referenceGraph(t)
	data := g.Export()
	data.Nodes[producerID].Type = "Mutated"
	assert.Equal(t, "Producer", mustNode(t, g, producerID).Type)
}

func TestFromData_RestoresMidRunNodesAsPending(t *testing.T) {
	cfg, g, producerID, consumerID := referenceGraph(t)
	require.NoError(t, g.Run(context.Background()))

	data := g.Export()
	data.Nodes[consumerID].State.CompletedAt = nil
	data.Nodes[consumerID].State.Result = nil
	require.Equal(t, StatusRunning, data.Nodes[consumerID].Status())

	restored, err := FromData(cfg, data)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, mustNode(t, restored, consumerID).Status())
	assert.Equal(t, StatusCompleted, mustNode(t, restored, producerID).Status())

	require.NoError(t, restored.Run(context.Background()))
	assert.Equal(t, "b", mustNode(t, restored, consumerID).State.Result)
}

func TestFromData_Errors(t *testing.T) {
	cfg, g, _, _ := referenceGraph(t)
	data := g.Export()

	t.Run("unknown type", func(t *testing.T) {
		_, err := FromData(Config{Definitions: cfg.Definitions[:1]}, data)
		assert.ErrorIs(t, err, ErrUnknownNodeType)
	})

	t.Run("missing dependency", func(t *testing.T) {
		broken := g.Export()
		for id, n := range broken.Nodes {
			if n.Type == "Producer" {
				delete(broken.Nodes, id)
			}
		}
		_, err := FromData(cfg, broken)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("nil data", func(t *testing.T) {
		restored, err := FromData(cfg, nil)
		require.NoError(t, err)
		assert.Empty(t, restored.Nodes())
	})
}

func TestFromData_RejectsUnencodableValues(t *testing.T) {
	cfg := Config{Definitions: []*NodeDefinition{leaf("A", 1)}}
	g := newGraph(t, cfg)
	data := &GraphData{
		Nodes: map[string]*NodeInstance{
			"a": {ID: "a", Type: "A", Value: math.Inf(1), Scope: g.scopes.Root()},
		},
		Scopes: g.scopes.Export(),
	}
	_, err := FromData(cfg, data)
	assert.Error(t, err)
}

func TestMustClone_NeverAliases(t *testing.T) {
	assert.Panics(t, func() { mustClone(map[string]any{"c": make(chan int)}) })

	in := map[string]any{"m": map[string]any{"k": "v"}}
	out := mustClone(in)
	out["m"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", in["m"].(map[string]any)["k"])
}
