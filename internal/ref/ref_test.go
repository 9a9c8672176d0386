// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ref

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nodegraph/internal/contract"
)

func mustRef(t *testing.T, node string, kind AccessorKind, path string, expect contract.Kind) Reference {
	t.Helper()
	r, err := New(node, kind, path, expect)
	require.NoError(t, err)
	return r
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("", Result, "", "")
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = New("n1", AccessorKind("bogus"), "", "")
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = New("n1", Result, "", contract.Kind("tuple"))
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = New("n1", Result, "a..b", "")
	assert.ErrorIs(t, err, contract.ErrInvalidPath)
}

func TestReference_JSONRoundTrip(t *testing.T) {
	r := mustRef(t, "n1", Result, "r.items[2]", contract.KindString)

	data, err := json.Marshal(map[string]any{"x": r})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"x":{"$ref":{"node":"n1","accessor":{"kind":"result","path":"r.items[2]","expect":"string"}}}}`,
		string(data))

	var back Reference
	require.NoError(t, json.Unmarshal(data[5:len(data)-1], &back))
	assert.Equal(t, r, back)
}

func TestReference_UnmarshalRejectsPlainObject(t *testing.T) {
	for name, input := range map[string]string{
		"plain object":   `{"node":"n1"}`,
		"extra key":      `{"$ref":{"node":"n1","accessor":{"kind":"value"}},"x":1}`,
		"bad envelope":   `{"$ref":"n1"}`,
		"not an object":  `["n1"]`,
		"accessor shape": `{"$ref":{"node":"n1","accessor":"value"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			var r Reference
			err := json.Unmarshal([]byte(input), &r)
			assert.ErrorIs(t, err, ErrInvalidReference)
		})
	}
}

func TestRead(t *testing.T) {
	result := map[string]any{
		"r": map[string]any{"items": []any{"a", "b", "c"}},
	}

	t.Run("path value", func(t *testing.T) {
		got, err := mustRef(t, "y", Result, "r.items[2]", contract.KindString).Read(result)
		require.NoError(t, err)
		assert.Equal(t, "c", got)
	})

	t.Run("whole value", func(t *testing.T) {
		got, err := mustRef(t, "y", Result, "", contract.KindObject).Read(result)
		require.NoError(t, err)
		assert.Equal(t, result, got)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := mustRef(t, "y", Result, "r.items[9]", "").Read(result)
		assert.ErrorIs(t, err, ErrUnresolved)
		var re *ResolveError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "y", re.Ref.Node)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		_, err := mustRef(t, "y", Result, "r.items", contract.KindNumber).Read(result)
		assert.ErrorIs(t, err, ErrKindMismatch)
	})
}

func TestNormalize(t *testing.T) {
	type input struct {
		Goal  string `json:"goal"`
		Count int    `json:"count"`
	}
	got, err := Normalize(input{Goal: "g", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"goal": "g", "count": float64(2)}, got)

	r := mustRef(t, "n1", Value, "goal", "")
	got, err = Normalize(map[string]any{"src": r, "list": []any{r, 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"src": r, "list": []any{r, float64(1)}}, got)

	got, err = Normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecode_LeavesLookalikesAlone(t *testing.T) {
	v := map[string]any{
		"$ref":  map[string]any{"node": "n1", "accessor": map[string]any{"kind": "result"}},
		"other": true,
	}
	assert.Equal(t, v, Decode(v))

	bad := map[string]any{"$ref": "n1"}
	assert.Equal(t, bad, Decode(bad))
}

func TestCollect(t *testing.T) {
	a := mustRef(t, "a", Result, "", "")
	b := mustRef(t, "b", Value, "x", "")
	v := map[string]any{
		"k1": []any{a, b},
		"k2": map[string]any{"nested": a},
		"k3": "plain",
	}
	assert.Equal(t, []string{"a", "b"}, Collect(v))
	assert.Empty(t, Collect(map[string]any{"goal": "x"}))
}

func TestResolve(t *testing.T) {
	a := mustRef(t, "a", Result, "n", contract.KindNumber)
	v := map[string]any{"x": a, "y": []any{a, "lit"}}

	got, err := Resolve(v, func(r Reference) (any, error) {
		return r.Read(map[string]any{"n": float64(7)})
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(7), "y": []any{float64(7), "lit"}}, got)

	// Source untouched.
	assert.Equal(t, a, v["x"])

	_, err = Resolve(v, func(r Reference) (any, error) {
		return r.Read(map[string]any{})
	})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestEqual(t *testing.T) {
	a1 := mustRef(t, "a", Result, "x", "")
	a2 := mustRef(t, "a", Result, "x", "")
	b := mustRef(t, "b", Result, "x", "")
	path := mustRef(t, "a", Result, "y", "")

	assert.True(t, Equal(map[string]any{"r": a1}, map[string]any{"r": a2}))
	assert.False(t, Equal(map[string]any{"r": a1}, map[string]any{"r": b}))
	assert.False(t, Equal(a1, path))
	assert.True(t, Equal([]any{"x", float64(1)}, []any{"x", float64(1)}))
	assert.False(t, Equal(map[string]any{"k": "1"}, map[string]any{"k": float64(1)}))
}
