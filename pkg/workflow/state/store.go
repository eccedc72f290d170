package state

import (
	"encoding/json"
	"sync"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
)

// Op is a state update operation.
type Op string

const (
	OpSet       Op = "set"
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpMultiply  Op = "multiply"
	OpAppend    Op = "append"
	OpMerge     Op = "merge"
)

// Update is one (path, operation, value) triple.
type Update struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Config configures a Store.
type Config struct {
	// Inputs is the read-only tier, established at workflow start.
	Inputs map[string]any
	// Default seeds the writable tier.
	Default map[string]any
	// Computed declares the derived fields. Ignored when ComputedSnapshot
	// is set.
	Computed []ComputedField
	// WritableRoot names the writable tier; "state" for workflow
	// instances, "local" for sub-agent contexts.
	WritableRoot string
	// ComputedSnapshot provides a frozen computed tier for sub-agent
	// contexts that observe the parent's computed values read-only.
	ComputedSnapshot map[string]any
	// MaxBytes caps the serialized size of the writable tier. Zero means
	// unlimited.
	MaxBytes int
}

// Store is the per-instance hierarchical state store. One logical write
// lock serializes all applies; computed recomputation completes before
// Apply returns, so no read ever observes a stale computed value except
// under the ignore policy.
type Store struct {
	mu           sync.RWMutex
	writableRoot string
	inputs       map[string]any
	values       map[string]any
	computed     map[string]any
	computedErr  map[string]*wferrors.Rich
	graph        *graph
	frozen       bool // computed tier is a snapshot
	maxBytes     int

	recomputes map[string]int
}

// NewStore builds a store, evaluates every computed field once, and
// returns a validation error if the computed dependency graph is cyclic.
func NewStore(cfg Config) (*Store, error) {
	root := cfg.WritableRoot
	if root == "" {
		root = "state"
	}
	s := &Store{
		writableRoot: root,
		inputs:       deepCopyMap(cfg.Inputs),
		values:       deepCopyMap(cfg.Default),
		computed:     map[string]any{},
		computedErr:  map[string]*wferrors.Rich{},
		maxBytes:     cfg.MaxBytes,
		recomputes:   map[string]int{},
	}
	if cfg.ComputedSnapshot != nil {
		s.computed = deepCopyMap(cfg.ComputedSnapshot)
		s.frozen = true
		return s, nil
	}
	g, err := buildGraph(cfg.Computed)
	if err != nil {
		return nil, err
	}
	s.graph = g
	s.recomputeLocked(g.topo)
	return s, nil
}

// WritableRoot returns the name of the writable tier.
func (s *Store) WritableRoot() string { return s.writableRoot }

// Apply performs a batch of updates atomically, then recomputes every
// affected computed field in topological order before returning.
func (s *Store) Apply(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every target path before mutating anything so a PathError
	// leaves the store unchanged.
	paths := make([]Path, len(updates))
	for i, u := range updates {
		path, err := ParsePath(u.Path)
		if err != nil {
			return err
		}
		if path.Root() != s.writableRoot {
			return wferrors.Newf(wferrors.KindPath,
				"path %q is not writable (writes are restricted to %s.*)", u.Path, s.writableRoot).
				With("path", u.Path)
		}
		if len(path) < 2 {
			return wferrors.Newf(wferrors.KindPath, "cannot replace the whole %s tier", s.writableRoot)
		}
		paths[i] = path
	}

	backup := deepCopyMap(s.values)
	written := make([]Path, 0, len(updates))
	for i, u := range updates {
		if err := s.applyOne(u, paths[i]); err != nil {
			s.values = backup
			return err
		}
		written = append(written, paths[i])
	}

	if s.maxBytes > 0 {
		if size := s.sizeLocked(); size > s.maxBytes {
			s.values = backup
			return wferrors.Newf(wferrors.KindPath,
				"state size %d exceeds limit %d bytes", size, s.maxBytes)
		}
	}

	if s.graph != nil {
		s.recomputeLocked(s.graph.affected(written))
	}
	return nil
}

func (s *Store) applyOne(u Update, path Path) error {
	segs := path[1:]
	switch u.Op {
	case OpSet, "":
		return setIn(s.values, segs, deepCopy(u.Value))
	case OpIncrement, OpDecrement:
		cur, ok := getIn(s.values, segs)
		if !ok {
			cur = float64(0)
		}
		base, isNum := asNumber(cur)
		if !isNum {
			return wferrors.Newf(wferrors.KindPath, "%s target %q is not numeric", u.Op, u.Path)
		}
		delta := float64(1)
		if u.Value != nil {
			d, isNum := asNumber(u.Value)
			if !isNum {
				return wferrors.Newf(wferrors.KindPath, "%s delta for %q is not numeric", u.Op, u.Path)
			}
			delta = d
		}
		if u.Op == OpDecrement {
			delta = -delta
		}
		return setIn(s.values, segs, base+delta)
	case OpMultiply:
		cur, ok := getIn(s.values, segs)
		if !ok {
			return wferrors.Newf(wferrors.KindPath, "multiply target %q does not exist", u.Path)
		}
		base, isNum := asNumber(cur)
		if !isNum {
			return wferrors.Newf(wferrors.KindPath, "multiply target %q is not numeric", u.Path)
		}
		factor, isNum := asNumber(u.Value)
		if !isNum {
			return wferrors.Newf(wferrors.KindPath, "multiply factor for %q is not numeric", u.Path)
		}
		return setIn(s.values, segs, base*factor)
	case OpAppend:
		cur, ok := getIn(s.values, segs)
		if !ok {
			cur = []any{}
		}
		list, isList := cur.([]any)
		if !isList {
			return wferrors.Newf(wferrors.KindPath, "append target %q is not a sequence", u.Path)
		}
		return setIn(s.values, segs, append(list, deepCopy(u.Value)))
	case OpMerge:
		cur, ok := getIn(s.values, segs)
		if !ok {
			cur = map[string]any{}
		}
		dst, isMap := cur.(map[string]any)
		if !isMap {
			return wferrors.Newf(wferrors.KindPath, "merge target %q is not a mapping", u.Path)
		}
		src, isMap := u.Value.(map[string]any)
		if !isMap {
			return wferrors.Newf(wferrors.KindPath, "merge value for %q is not a mapping", u.Path)
		}
		merged := deepCopyMap(dst)
		for k, v := range src {
			merged[k] = deepCopy(v)
		}
		return setIn(s.values, segs, merged)
	}
	return wferrors.Newf(wferrors.KindPath, "unknown operation %q", u.Op)
}

// Read resolves a path against the tiers. Reading a computed field whose
// last recomputation failed under the propagate policy returns that error.
func (s *Store) Read(raw string) (any, error) {
	path, err := ParsePath(raw)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tier map[string]any
	switch path.Root() {
	case "inputs":
		tier = s.inputs
	case s.writableRoot:
		tier = s.values
	case "computed":
		if len(path) >= 2 {
			if rich, failed := s.computedErr[path[1]]; failed {
				return nil, rich
			}
		}
		tier = s.computed
	default:
		return nil, wferrors.Newf(wferrors.KindPath, "undeclared path root %q", path.Root()).
			With("path", raw)
	}
	if len(path) == 1 {
		return deepCopyMap(tier), nil
	}
	v, err := resolve(tier, path[1:])
	if err != nil {
		return nil, err
	}
	return deepCopy(v), nil
}

// ReadFlat returns a consistent snapshot of the flattened view: the three
// tiers under their root names plus the shadow-merged top-level keys
// (computed shadows state shadows inputs).
func (s *Store) ReadFlat() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.flattenLocked())
}

// Scope returns an expression scope over the current flattened view.
func (s *Store) Scope() expression.Scope {
	return expression.MapScope(s.ReadFlat())
}

// StateSnapshot returns a deep copy of the writable tier.
func (s *Store) StateSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.values)
}

// ComputedSnapshot returns a deep copy of the computed tier.
func (s *Store) ComputedSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.computed)
}

// InputsSnapshot returns a deep copy of the inputs tier.
func (s *Store) InputsSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.inputs)
}

// RecomputeCounts reports how many times each computed field was evaluated.
func (s *Store) RecomputeCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.recomputes))
	for k, v := range s.recomputes {
		out[k] = v
	}
	return out
}

// SizeBytes returns the serialized size of the writable tier.
func (s *Store) SizeBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizeLocked()
}

func (s *Store) sizeLocked() int {
	out, err := json.Marshal(s.values)
	if err != nil {
		return 0
	}
	return len(out)
}

func (s *Store) flattenLocked() map[string]any {
	flat := make(map[string]any, len(s.inputs)+len(s.values)+len(s.computed)+3)
	for k, v := range s.inputs {
		flat[k] = v
	}
	for k, v := range s.values {
		flat[k] = v
	}
	for k, v := range s.computed {
		flat[k] = v
	}
	flat["inputs"] = s.inputs
	flat[s.writableRoot] = s.values
	flat["computed"] = s.computed
	return flat
}

// recomputeLocked evaluates the given fields in topological order against
// the current flattened view, applying each field's error policy.
func (s *Store) recomputeLocked(indices []int) {
	for _, i := range indices {
		field := s.graph.fields[i]
		scope := expression.MapScope(s.flattenLocked())
		src := expression.ConditionSource(field.Transform)
		v, err := expression.Eval(src, scope)
		s.recomputes[field.Name]++
		if err == nil {
			s.computed[field.Name] = v
			delete(s.computedErr, field.Name)
			continue
		}
		switch field.OnError {
		case PolicyUseFallback:
			s.computed[field.Name] = deepCopy(field.Fallback)
			delete(s.computedErr, field.Name)
		case PolicyIgnore:
			// previous value stays; first failure leaves the zero value
			if _, ok := s.computed[field.Name]; !ok {
				s.computed[field.Name] = nil
			}
			delete(s.computedErr, field.Name)
		default: // PolicyPropagate
			rich := wferrors.AsRich(err)
			s.computedErr[field.Name] = rich
			s.computed[field.Name] = nil
		}
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopy(elem)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
