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
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is returned when a value does not satisfy a contract.
	ErrContractViolation = errors.New("contract violation")

	// ErrInvalidPath is returned when a path string cannot be parsed.
	ErrInvalidPath = errors.New("invalid path")
)

// ViolationError describes where and why a value failed validation.
type ViolationError struct {
	// Path is the location of the offending value ("" for the root).
	Path string

	// Reason is a short human-readable explanation.
	Reason string
}

// Error implements error.
func (e *ViolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", ErrContractViolation, e.Reason)
	}
	return fmt.Sprintf("%s at %s: %s", ErrContractViolation, e.Path, e.Reason)
}

// Unwrap returns ErrContractViolation for errors.Is checks.
func (e *ViolationError) Unwrap() error {
	return ErrContractViolation
}

func violation(p Path, format string, args ...any) error {
	return &ViolationError{Path: p.String(), Reason: fmt.Sprintf(format, args...)}
}
