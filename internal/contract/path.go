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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a Path: either a field name or a slice index.
type Segment struct {
	Field   string
	Index   int
	IsIndex bool
}

// Path addresses a location inside a JSON-shaped value, e.g. "r.items[2]".
// The empty path addresses the whole value.
type Path []Segment

// ParsePath parses dotted field access with bracketed indices.
//
// Inputs:
//
//	s - Path text such as "a.b[0].c". Empty means the root.
//
// Outputs:
//
//	Path - The parsed path.
//	error - Wraps ErrInvalidPath on malformed input.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}

	var (
		path  Path
		field strings.Builder
	)
	flush := func(pos int) error {
		if field.Len() == 0 {
			return fmt.Errorf("%w: empty field at offset %d in %q", ErrInvalidPath, pos, s)
		}
		path = append(path, Segment{Field: field.String()})
		field.Reset()
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.':
			// "a[0].b" leaves the builder empty after an index; that's fine.
			if field.Len() == 0 && i > 0 && s[i-1] == ']' {
				continue
			}
			if err := flush(i); err != nil {
				return nil, err
			}
		case '[':
			if field.Len() > 0 {
				if err := flush(i); err != nil {
					return nil, err
				}
			}
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed index in %q", ErrInvalidPath, s)
			}
			idx, err := strconv.Atoi(s[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, s[i+1:i+end], s)
			}
			path = append(path, Segment{Index: idx, IsIndex: true})
			i += end
		case ']':
			return nil, fmt.Errorf("%w: unexpected ']' in %q", ErrInvalidPath, s)
		default:
			field.WriteByte(c)
		}
	}
	if field.Len() > 0 {
		if err := flush(len(s)); err != nil {
			return nil, err
		}
	} else if s[len(s)-1] == '.' {
		return nil, fmt.Errorf("%w: trailing '.' in %q", ErrInvalidPath, s)
	}
	return path, nil
}

// String renders the path back to its textual form.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if seg.IsIndex {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteString("]")
			continue
		}
		if i > 0 {
			b.WriteString(".")
		}
		b.WriteString(seg.Field)
	}
	return b.String()
}

// Child returns p extended by seg without aliasing p's backing array.
func (p Path) Child(seg Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Lookup reads the value at p inside v. The second result is false when any
// step of the path does not exist.
//
// Values that are not plain maps or slices (structs, typed slices) are
// normalized through JSON before traversal.
func Lookup(v any, p Path) (any, bool) {
	cur := v
	for _, seg := range p {
		cur = plain(cur)
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg.Field]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// plain converts v to map[string]any / []any when it is some other composite.
func plain(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, float64, Placeholder:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
