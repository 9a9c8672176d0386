// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tbl := NewTable()
	root := tbl.Root()

	t.Run("nil inherits creator", func(t *testing.T) {
		inst, created, err := tbl.Resolve(nil, root)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, root, inst.ID)
	})

	t.Run("global is the root", func(t *testing.T) {
		child, _, err := tbl.Resolve(Task("plan"), root)
		require.NoError(t, err)

		inst, created, err := tbl.Resolve(Global(), child.ID)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, root, inst.ID)
	})

	t.Run("task is always fresh", func(t *testing.T) {
		a, createdA, err := tbl.Resolve(Task("plan"), root)
		require.NoError(t, err)
		b, createdB, err := tbl.Resolve(Task("plan"), root)
		require.NoError(t, err)

		assert.True(t, createdA)
		assert.True(t, createdB)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, root, a.Parent)
		assert.True(t, a.Definition.Equal(b.Definition))
	})

	t.Run("unknown creator", func(t *testing.T) {
		_, _, err := tbl.Resolve(Task("x"), "missing")
		assert.ErrorIs(t, err, ErrUnknownScope)
	})
}

func TestChain(t *testing.T) {
	tbl := NewTable()
	a, _, err := tbl.Resolve(Task("a"), tbl.Root())
	require.NoError(t, err)
	b, _, err := tbl.Resolve(Task("b"), a.ID)
	require.NoError(t, err)

	chain := tbl.Chain(b.ID)
	require.Len(t, chain, 3)
	assert.Equal(t, b.ID, chain[0].ID)
	assert.Equal(t, a.ID, chain[1].ID)
	assert.Equal(t, tbl.Root(), chain[2].ID)

	assert.Empty(t, tbl.Chain("missing"))
}

func TestPrune(t *testing.T) {
	tbl := NewTable()
	a, _, _ := tbl.Resolve(Task("a"), tbl.Root())
	b, _, _ := tbl.Resolve(Task("b"), a.ID)
	c, _, _ := tbl.Resolve(Task("c"), tbl.Root())

	tbl.Prune(map[string]bool{b.ID: true})

	_, ok := tbl.Get(a.ID)
	assert.True(t, ok, "ancestor of live scope survives")
	_, ok = tbl.Get(b.ID)
	assert.True(t, ok)
	_, ok = tbl.Get(c.ID)
	assert.False(t, ok)
	_, ok = tbl.Get(tbl.Root())
	assert.True(t, ok)
}

func TestExportLoad(t *testing.T) {
	tbl := NewTable()
	a, _, _ := tbl.Resolve(Task("a"), tbl.Root())

	back, err := Load(tbl.Export())
	require.NoError(t, err)
	assert.Equal(t, tbl.Root(), back.Root())
	got, ok := back.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(map[string]Instance{
		"t": {ID: "t", Definition: *Task("x")},
	})
	assert.Error(t, err)

	_, err = Load(map[string]Instance{
		"g": {ID: "g", Definition: *Global()},
		"t": {ID: "t", Definition: *Task("x"), Parent: "nope"},
	})
	assert.ErrorIs(t, err, ErrUnknownScope)

	tbl, err := Load(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tbl.Root())
}
