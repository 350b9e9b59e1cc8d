package engine

import (
	"context"
	"errors"
	"fmt"

	"scanline/internal/key"
	"scanline/internal/stage"
)

// ErrSource marks a key-source evaluation failure. The stage is treated as
// having zero pending keys for the poll; the daemon logs and keeps running.
var ErrSource = errors.New("key source failed")

// Pending computes the keys eligible for a stage: the upstream-derived
// universe (or the stage's custom source) minus the stage's own done set.
// The order of the returned sequence is arbitrary; callers must not depend
// on it. Manual stages have no pending keys.
func (e *Engine) Pending(ctx context.Context, st *stage.Stage) ([]key.Key, error) {
	if st.Manual() {
		return nil, nil
	}
	var universe []key.Key
	var err error
	if st.Source != nil {
		universe, err = st.Source(ctx, e.Store)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrSource, st.ID, err)
		}
	} else {
		universe, err = e.defaultUniverse(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrSource, st.ID, err)
		}
	}
	done, err := e.Store.DoneKeys(ctx, st.ID, st.Schema)
	if err != nil {
		return nil, err
	}
	doneSet := make(map[string]bool, len(done))
	for _, k := range done {
		doneSet[k.Encode()] = true
	}
	seen := map[string]bool{}
	var out []key.Key
	for _, k := range universe {
		full, ok := k.Restrict(st.Schema)
		if !ok {
			return nil, fmt.Errorf("%w: stage %s: candidate %s does not cover key schema", ErrSource, st.ID, k)
		}
		h := full.Encode()
		if doneSet[h] || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, full)
	}
	return out, nil
}

// defaultUniverse is the natural join of every upstream's done keys, each
// projected onto the attributes the stage shares with that upstream.
func (e *Engine) defaultUniverse(ctx context.Context, st *stage.Stage) ([]key.Key, error) {
	universe := []key.Key{{}}
	for _, upID := range st.Upstream {
		up, err := e.Registry.Get(upID)
		if err != nil {
			return nil, err
		}
		shared := intersectAttrs(st.Schema, up.Schema)
		upKeys, err := e.Store.DoneKeys(ctx, upID, shared)
		if err != nil {
			return nil, err
		}
		universe = joinKeys(universe, upKeys)
		if len(universe) == 0 {
			return nil, nil
		}
	}
	return universe, nil
}

func intersectAttrs(a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

// joinKeys natural-joins two key sets: pairs that agree on their shared
// attributes merge; pairs with no shared attributes combine cartesianly.
func joinKeys(a, b []key.Key) []key.Key {
	var out []key.Key
	seen := map[string]bool{}
	for _, ka := range a {
		for _, kb := range b {
			m, ok := ka.Merge(kb)
			if !ok {
				continue
			}
			h := m.Encode()
			if seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, m)
		}
	}
	return out
}
