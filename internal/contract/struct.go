// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// structValidate is shared by every Struct contract.
var structValidate = newStructValidator()

// newStructValidator reports field errors by their JSON names.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Struct is a contract backed by a Go struct type T.
//
// Description:
//
//	Validate decodes the value into T (unknown fields rejected) and then runs
//	the `validate:"..."` struct tags. Values still holding placeholders are
//	accepted as-is; they are validated again after resolution.
//
// Example:
//
//	type PlanInput struct {
//	    Goal string `json:"goal" validate:"required,max=200"`
//	}
//	def.Input = contract.Struct[PlanInput]{}
type Struct[T any] struct{}

// Validate implements Contract.
func (Struct[T]) Validate(v any) error {
	if ContainsPlaceholder(v) {
		return nil
	}
	_, err := Decode[T](v)
	return err
}

// Decode converts a JSON-shaped value into T and validates its struct tags.
//
// Inputs:
//
//	v - The value to decode, typically a node input or effect result.
//
// Outputs:
//
//	T - The decoded value.
//	error - A *ViolationError on decode or tag failures.
func Decode[T any](v any) (T, error) {
	var out T

	data, err := json.Marshal(v)
	if err != nil {
		return out, violation(Path{}, "not serializable: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, violation(Path{}, "decode: %v", err)
	}

	if err := structValidate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Non-struct T: nothing to check beyond decoding.
			return out, nil
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return out, &ViolationError{
				Path:   fieldPath(fe.Namespace()),
				Reason: fmt.Sprintf("failed %q rule", fe.Tag()),
			}
		}
		return out, violation(Path{}, "%v", err)
	}
	return out, nil
}

// fieldPath strips the leading struct type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
