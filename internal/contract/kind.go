// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract provides typed input/output contracts for nodes and effects.
//
// Description:
//
//	A contract validates a JSON-shaped value (maps, slices, strings, numbers,
//	bools, nil). Two implementations are provided: Schema, a small structural
//	schema tree that also answers "what kind lives at this path" for reference
//	type-checking, and Struct, which decodes the value into a Go struct and
//	validates it with go-playground/validator tags.
//
//	Values that are not yet known (late-bound references) implement
//	Placeholder and are accepted wherever their declared kind fits.
//
// Thread Safety:
//
//	All contracts are immutable after construction and safe for concurrent use.
package contract

import (
	"encoding/json"
	"reflect"
)

// Kind is the coarse JSON type of a value.
type Kind string

const (
	// KindAny matches every value.
	KindAny    Kind = "any"
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// Valid reports whether k is one of the declared kinds. The empty kind is
// treated as KindAny.
func (k Kind) Valid() bool {
	switch k {
	case "", KindAny, KindNull, KindBool, KindNumber, KindString, KindArray, KindObject:
		return true
	default:
		return false
	}
}

// Accepts reports whether a value of kind other may stand where k is required.
// Either side being KindAny (or empty) accepts.
func (k Kind) Accepts(other Kind) bool {
	if k == "" || k == KindAny || other == "" || other == KindAny {
		return true
	}
	return k == other
}

// Placeholder is implemented by values that stand in for data not yet
// computed. PlaceholderKind returns the kind the value will have once bound.
type Placeholder interface {
	PlaceholderKind() Kind
}

// KindOf returns the kind of v.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindNull
	case Placeholder:
		return x.PlaceholderKind()
	case bool:
		return KindBool
	case string:
		return KindString
	case json.Number, float32, float64, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return KindNumber
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return KindNull
		}
		return KindOf(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		return KindArray
	case reflect.Map, reflect.Struct:
		return KindObject
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	default:
		return KindAny
	}
}

// ContainsPlaceholder reports whether v holds a Placeholder anywhere in its
// map/slice structure.
func ContainsPlaceholder(v any) bool {
	switch x := v.(type) {
	case Placeholder:
		return true
	case map[string]any:
		for _, item := range x {
			if ContainsPlaceholder(item) {
				return true
			}
		}
	case []any:
		for _, item := range x {
			if ContainsPlaceholder(item) {
				return true
			}
		}
	}
	return false
}
