// Package state implements the three-tier workflow state store: read-only
// inputs, mutable state, and computed fields derived through a reactive
// dependency graph. Expressions observe the flattened view of all tiers.
package state

import (
	"strconv"
	"strings"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Path is a parsed dotted path: ["state", "results", "0", "name"].
// Numeric segments address sequence elements.
type Path []string

// ParsePath parses dot notation with optional bracket segments:
// state.results[0].name and state.results.0.name are equivalent.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return nil, wferrors.New(wferrors.KindPath, "empty path")
	}
	var segs []string
	cur := strings.Builder{}
	flush := func() error {
		if cur.Len() == 0 {
			return wferrors.Newf(wferrors.KindPath, "malformed path %q", raw)
		}
		segs = append(segs, cur.String())
		cur.Reset()
		return nil
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '.':
			if err := flush(); err != nil {
				return nil, err
			}
		case '[':
			if cur.Len() > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, wferrors.Newf(wferrors.KindPath, "unterminated bracket in path %q", raw)
			}
			seg := raw[i+1 : i+end]
			seg = strings.Trim(seg, `"'`)
			if seg == "" {
				return nil, wferrors.Newf(wferrors.KindPath, "empty bracket segment in path %q", raw)
			}
			segs = append(segs, seg)
			i += end
			// A dot after the bracket is part of the next segment.
			if i+1 < len(raw) && raw[i+1] == '.' {
				i++
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	if len(segs) == 0 {
		return nil, wferrors.Newf(wferrors.KindPath, "malformed path %q", raw)
	}
	return Path(segs), nil
}

// Root returns the first segment.
func (p Path) Root() string { return p[0] }

// String renders the path in dot notation.
func (p Path) String() string { return strings.Join(p, ".") }

// HasPrefix reports whether p begins with prefix, segment-wise.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// Intersects reports whether either path is a prefix of the other. A write
// to state.a.b affects a dependency on state.a, and vice versa.
func (p Path) Intersects(other Path) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

// resolve walks a value tree along the path segments after the root.
func resolve(root any, segs Path) (any, error) {
	cur := root
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, wferrors.Newf(wferrors.KindPath, "path segment %q not found", seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, wferrors.Newf(wferrors.KindPath, "sequence index %q is not numeric", seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, wferrors.Newf(wferrors.KindPath, "sequence index %d out of range (length %d)", idx, len(node))
			}
			cur = node[idx]
		default:
			return nil, wferrors.Newf(wferrors.KindPath, "path segment %q traverses a scalar", seg)
		}
	}
	return cur, nil
}

// setIn writes value at the path segments below root, creating
// intermediate mappings as needed.
func setIn(root map[string]any, segs Path, value any) error {
	cur := root
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return wferrors.Newf(wferrors.KindPath, "path segment %q traverses a non-mapping value", seg)
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// getIn reads the value at the path segments below root.
func getIn(root map[string]any, segs Path) (any, bool) {
	v, err := resolve(root, segs)
	if err != nil {
		return nil, false
	}
	return v, true
}
