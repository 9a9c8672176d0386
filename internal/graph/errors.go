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
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrUnknownNodeType is returned when no definition exists for a type id.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrInvalidDefinition is returned for malformed node definitions.
	ErrInvalidDefinition = errors.New("invalid node definition")

	// ErrDuplicateDefinition is returned when two definitions share a type id.
	ErrDuplicateDefinition = errors.New("duplicate node definition")

	// ErrNodeNotFound is returned when a node id is not in the table.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when an edit would make a node equal to a
	// visible instance of the same type.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrUnresolvedReference is returned when a reference cannot be bound.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrDeadlock is returned when instances remain but none can start.
	ErrDeadlock = errors.New("deadlock: no runnable nodes")

	// ErrDependencyCycle is returned when a blocking dependency request would
	// wait on a node already waiting on the requester.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrDependencyFailed is returned to a waiter whose dependency failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrAlreadyRunning is returned when Run is called during another Run.
	ErrAlreadyRunning = errors.New("graph already running")

	// ErrRunStopped is the outcome of a cancelled run.
	ErrRunStopped = errors.New("run stopped")

	// ErrRunFailed is returned when one or more nodes failed during a run.
	ErrRunFailed = errors.New("run failed")

	// ErrNodeRunning is returned when reset, delete or edit touches a
	// running node.
	ErrNodeRunning = errors.New("node is running")

	// ErrNodeNotRunning is returned when a capability is used after its node
	// has finished.
	ErrNodeNotRunning = errors.New("node is not running")

	// ErrEffectNotAllowed is returned when a node calls an effect it did not
	// declare.
	ErrEffectNotAllowed = errors.New("effect not allowed for node")

	// ErrRevertFailed is returned when one or more effect reverts fail.
	ErrRevertFailed = errors.New("effect revert failed")
)

// NodeError wraps a failure of a specific node instance.
type NodeError struct {
	NodeID string
	Type   string
	Err    error
}

// Error implements error.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}
