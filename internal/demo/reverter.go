// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package demo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/nodegraph/internal/effect"
)

// Reverter is a graph.RevertProvider that declines effects listed in Keep
// and remembers what was reverted.
type Reverter struct {
	Keep   map[effect.ID]bool
	Logger *slog.Logger

	mu       sync.Mutex
	reverted []effect.Call
}

// FilterEffects implements graph.RevertProvider.
func (r *Reverter) FilterEffects(_ context.Context, calls []effect.Call) ([]string, error) {
	var ids []string
	for _, c := range calls {
		if !r.Keep[c.Effect] {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// OnEffectsReverted implements graph.RevertProvider.
func (r *Reverter) OnEffectsReverted(_ context.Context, calls []effect.Call) {
	r.mu.Lock()
	r.reverted = append(r.reverted, calls...)
	r.mu.Unlock()

	if r.Logger == nil {
		return
	}
	for _, c := range calls {
		r.Logger.Info("effect reverted",
			slog.String("effect", string(c.Effect)),
			slog.String("node", c.NodeID),
			slog.String("call", c.ID),
		)
	}
}

// Reverted returns every call reverted so far.
func (r *Reverter) Reverted() []effect.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]effect.Call(nil), r.reverted...)
}
