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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/nodegraph/internal/contract"
	"github.com/AleutianAI/nodegraph/internal/effect"
)

// Effect ids.
const (
	EffectScan  effect.ID = "fs.scan"
	EffectWrite effect.ID = "fs.write"
)

// ErrNoWorkspace is returned by file effects when the graph Extra is not a
// *Workspace.
var ErrNoWorkspace = errors.New("graph extra is not a *demo.Workspace")

type scanParams struct {
	Dir string `json:"dir" validate:"required"`
}

type writeParams struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// WriteResult is recorded for every fs.write call. Previous holds the
// replaced content when Created is false.
type WriteResult struct {
	Path     string `json:"path"`
	Created  bool   `json:"created"`
	Previous string `json:"previous,omitempty"`
}

func workspace(env effect.Env) (*Workspace, error) {
	ws, ok := env.Extra.(*Workspace)
	if !ok || ws == nil || ws.Root == "" {
		return nil, ErrNoWorkspace
	}
	return ws, nil
}

// local joins rel onto the workspace root, refusing paths that escape it.
func (ws *Workspace) local(rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if rel != "." && !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(ws.Root, rel), nil
}

// scanEffect lists regular files under a directory. Hidden directories and
// generated plan files are skipped so that repeated scans agree.
func scanEffect() *effect.Definition {
	return &effect.Definition{
		Params:    contract.Struct[scanParams]{},
		Result:    analysisOutput,
		Cacheable: true,
		Run: func(ctx context.Context, env effect.Env, params any) (any, error) {
			ws, err := workspace(env)
			if err != nil {
				return nil, err
			}
			p, err := contract.Decode[scanParams](params)
			if err != nil {
				return nil, err
			}
			dir, err := ws.local(p.Dir)
			if err != nil {
				return nil, err
			}

			files := []string{}
			err = filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				name := d.Name()
				if d.IsDir() {
					if full != dir && strings.HasPrefix(name, ".") {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.Type().IsRegular() || isPlanFile(name) {
					return nil
				}
				rel, err := filepath.Rel(dir, full)
				if err != nil {
					return err
				}
				files = append(files, filepath.ToSlash(rel))
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", p.Dir, err)
			}
			sort.Strings(files)
			return Analysis{Files: files, Count: len(files)}, nil
		},
	}
}

func isPlanFile(name string) bool {
	return strings.HasPrefix(name, "PLAN-") && strings.HasSuffix(name, ".md")
}

// writeEffect writes a file and records what it replaced. Its revert removes
// a file it created or restores the previous content.
func writeEffect() *effect.Definition {
	return &effect.Definition{
		Params: contract.Struct[writeParams]{},
		Result: contract.Struct[WriteResult]{},
		Run: func(ctx context.Context, env effect.Env, params any) (any, error) {
			ws, err := workspace(env)
			if err != nil {
				return nil, err
			}
			p, err := contract.Decode[writeParams](params)
			if err != nil {
				return nil, err
			}
			full, err := ws.local(p.Path)
			if err != nil {
				return nil, err
			}

			res := WriteResult{Path: p.Path}
			prev, err := os.ReadFile(full)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				res.Created = true
			case err != nil:
				return nil, fmt.Errorf("read %s: %w", p.Path, err)
			default:
				res.Previous = string(prev)
			}
			if err := os.WriteFile(full, []byte(p.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", p.Path, err)
			}
			return res, nil
		},
		Revert: func(ctx context.Context, env effect.Env, call effect.Call) error {
			ws, err := workspace(env)
			if err != nil {
				return err
			}
			res, err := contract.Decode[WriteResult](call.Result)
			if err != nil {
				return err
			}
			full, err := ws.local(res.Path)
			if err != nil {
				return err
			}
			if res.Created {
				if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", res.Path, err)
				}
				return nil
			}
			if err := os.WriteFile(full, []byte(res.Previous), 0o644); err != nil {
				return fmt.Errorf("restore %s: %w", res.Path, err)
			}
			return nil
		},
	}
}
