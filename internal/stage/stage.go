// Package stage describes the nodes of the computation DAG: each stage has a
// key schema, upstream dependencies, optional part collections, and a compute
// function. The Registry validates the graph once at startup and is immutable
// afterwards.
package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"scanline/internal/key"
)

// ErrConfig marks fatal configuration problems: duplicate or malformed stage
// ids, unknown upstreams, dependency cycles. Processes exit non-zero on it.
var ErrConfig = errors.New("stage configuration")

// ErrUnknownStage is returned when an identifier resolves to no registered stage.
var ErrUnknownStage = errors.New("unknown stage")

// Row holds the computed, non-key attributes of a stored row.
type Row map[string]any

// PartRow is one child row of a part collection: the parent key plus the
// discriminator value and computed fields.
type PartRow struct {
	Disc   string
	Values Row
}

// ResultSet is the whole output of one compute invocation. It is committed
// atomically: the parent row and every part row, or nothing.
type ResultSet struct {
	Values Row
	Parts  map[string][]PartRow
}

// PartSpec declares a part collection: child rows share the parent key plus
// one extra discriminating attribute.
type PartSpec struct {
	Name string
	Disc string
}

// StoredRow is a committed parent row as seen by readers.
type StoredRow struct {
	Key    key.Key
	Values Row
}

// StoredPartRow is a committed part row.
type StoredPartRow struct {
	Key    key.Key
	Disc   string
	Values Row
}

// Reader gives compute functions and key sources read-only access to
// committed rows. Implementations must not expose mutation.
type Reader interface {
	// DoneKeys returns the distinct projection of a stage's committed keys
	// onto attrs. attrs must be a subset of the stage's schema.
	DoneKeys(ctx context.Context, stageID string, attrs []string) ([]key.Key, error)
	// Rows returns committed parent rows whose key covers the restriction.
	Rows(ctx context.Context, stageID string, restriction key.Key) ([]StoredRow, error)
	// PartRows returns committed part rows whose parent key covers the restriction.
	PartRows(ctx context.Context, stageID, part string, restriction key.Key) ([]StoredPartRow, error)
}

// ComputeFunc produces the ResultSet for one key. It must be a pure function
// of the key and the committed upstream state reachable through the Reader.
type ComputeFunc func(ctx context.Context, k key.Key, r Reader) (ResultSet, error)

// SourceFunc overrides the default key source of a stage. It must be a pure
// predicate over externally-queryable state and must not mutate anything.
type SourceFunc func(ctx context.Context, r Reader) ([]key.Key, error)

// Stage is one node of the DAG. A Stage with a nil Compute is manual: its
// rows are inserted by operators, never populated.
type Stage struct {
	ID       string
	Schema   []string
	Upstream []string
	Parts    []PartSpec
	// Source, when set, replaces the default upstream join as the universe
	// of candidate keys. Already-done keys are still subtracted.
	Source  SourceFunc
	Compute ComputeFunc
	// RetryErrors lets later polls re-reserve keys whose previous attempt
	// was recorded as an error. Off by default: failures are permanent
	// until the job record is cleared.
	RetryErrors bool
}

// Manual reports whether the stage has no compute function.
func (s *Stage) Manual() bool { return s.Compute == nil }

// Part returns the named part spec.
func (s *Stage) Part(name string) (PartSpec, bool) {
	for _, p := range s.Parts {
		if p.Name == name {
			return p, true
		}
	}
	return PartSpec{}, false
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Registry holds the registered stages. Register all stages, then Finalize
// once; afterwards the registry is read-only.
type Registry struct {
	stages    map[string]*Stage
	order     []*Stage            // topological, upstream first
	downhill  map[string][]*Stage // strict descendants, leaf-most first
	finalized bool
}

func NewRegistry() *Registry {
	return &Registry{stages: map[string]*Stage{}}
}

// Register adds a stage. Upstream references may be forward; they are
// resolved at Finalize.
func (r *Registry) Register(s *Stage) error {
	if r.finalized {
		return fmt.Errorf("%w: register after finalize", ErrConfig)
	}
	if s == nil || !identRe.MatchString(s.ID) {
		return fmt.Errorf("%w: invalid stage id %q", ErrConfig, stageID(s))
	}
	if _, dup := r.stages[s.ID]; dup {
		return fmt.Errorf("%w: duplicate stage id %q", ErrConfig, s.ID)
	}
	if len(s.Schema) == 0 {
		return fmt.Errorf("%w: stage %q has empty key schema", ErrConfig, s.ID)
	}
	seen := map[string]bool{}
	for _, a := range s.Schema {
		if !identRe.MatchString(a) || seen[a] {
			return fmt.Errorf("%w: stage %q has invalid schema attribute %q", ErrConfig, s.ID, a)
		}
		seen[a] = true
	}
	for _, p := range s.Parts {
		if !identRe.MatchString(p.Name) || !identRe.MatchString(p.Disc) {
			return fmt.Errorf("%w: stage %q has invalid part spec %q/%q", ErrConfig, s.ID, p.Name, p.Disc)
		}
		if seen[p.Disc] {
			return fmt.Errorf("%w: stage %q part %q discriminator %q collides with key schema", ErrConfig, s.ID, p.Name, p.Disc)
		}
	}
	r.stages[s.ID] = s
	return nil
}

func stageID(s *Stage) string {
	if s == nil {
		return "<nil>"
	}
	return s.ID
}

// Finalize validates the graph: upstream references must resolve, the graph
// must be acyclic, and a computed stage without a custom source must have its
// schema covered by the union of its upstream schemas (otherwise the default
// resolver could never enumerate its keys).
func (r *Registry) Finalize() error {
	if r.finalized {
		return nil
	}
	for _, s := range r.stages {
		covered := map[string]bool{}
		for _, up := range s.Upstream {
			u, ok := r.stages[up]
			if !ok {
				return fmt.Errorf("%w: stage %q depends on unregistered stage %q", ErrConfig, s.ID, up)
			}
			if up == s.ID {
				return fmt.Errorf("%w: stage %q depends on itself", ErrConfig, s.ID)
			}
			for _, a := range u.Schema {
				covered[a] = true
			}
		}
		if !s.Manual() && s.Source == nil {
			if len(s.Upstream) == 0 {
				return fmt.Errorf("%w: computed stage %q has no upstream and no key source", ErrConfig, s.ID)
			}
			for _, a := range s.Schema {
				if !covered[a] {
					return fmt.Errorf("%w: stage %q key attribute %q is supplied by no upstream; a custom key source is required", ErrConfig, s.ID, a)
				}
			}
		}
	}
	order, err := r.toposort()
	if err != nil {
		return err
	}
	r.order = order
	r.downhill = map[string][]*Stage{}
	for id := range r.stages {
		r.downhill[id] = r.descendants(id)
	}
	r.finalized = true
	return nil
}

// toposort runs Kahn's algorithm; a leftover node means a cycle.
func (r *Registry) toposort() ([]*Stage, error) {
	indegree := map[string]int{}
	down := map[string][]string{}
	for id, s := range r.stages {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, up := range s.Upstream {
			indegree[id]++
			down[up] = append(down[up], id)
		}
	}
	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	var order []*Stage
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, r.stages[id])
		next := down[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(r.stages) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: dependency cycle involving %v", ErrConfig, stuck)
	}
	return order, nil
}

// descendants returns the strict downstream closure of id, leaf-most stages
// first. Cascade deletion walks this order so no row ever outlives a row it
// depends on.
func (r *Registry) descendants(id string) []*Stage {
	reach := map[string]bool{}
	var mark func(string)
	mark = func(cur string) {
		for _, s := range r.stages {
			for _, up := range s.Upstream {
				if up == cur && !reach[s.ID] {
					reach[s.ID] = true
					mark(s.ID)
				}
			}
		}
	}
	mark(id)
	var out []*Stage
	for i := len(r.order) - 1; i >= 0; i-- {
		if reach[r.order[i].ID] {
			out = append(out, r.order[i])
		}
	}
	return out
}

// Get resolves a stage id.
func (r *Registry) Get(id string) (*Stage, error) {
	s, ok := r.stages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
	return s, nil
}

// Stages returns all stages in topological order. Finalize must have run.
func (r *Registry) Stages() []*Stage {
	out := make([]*Stage, len(r.order))
	copy(out, r.order)
	return out
}

// Downstream returns the strict descendants of id, leaf-most first.
func (r *Registry) Downstream(id string) ([]*Stage, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	ds := r.downhill[id]
	out := make([]*Stage, len(ds))
	copy(out, ds)
	return out, nil
}

// Collapse builds a SourceFunc that projects an upstream stage's done keys
// onto attrs, deduplicated. It expresses "run once per coarser key" stages,
// e.g. motion correction running once per scan while its upstream is keyed
// per slice.
func Collapse(upstreamID string, attrs []string) SourceFunc {
	return func(ctx context.Context, r Reader) ([]key.Key, error) {
		return r.DoneKeys(ctx, upstreamID, attrs)
	}
}
