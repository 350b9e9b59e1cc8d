package engine

import (
	"context"
	"fmt"

	"scanline/internal/events"
	"scanline/internal/key"
	"scanline/internal/stage"
)

// Delete removes every row of st matching the restriction, after first
// removing all dependent rows downstream. Descendant stages are processed
// leaf-most first, so at no point does a row survive its ancestor's
// deletion. The whole cascade is one transaction: it applies entirely or
// not at all, and job records go with the rows they lock.
func (e *Engine) Delete(ctx context.Context, st *stage.Stage, restriction key.Key) (map[string]int64, error) {
	for _, a := range restriction.Attrs() {
		found := false
		for _, c := range st.Schema {
			if c == a.Name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("restriction attribute %q not in schema of stage %s", a.Name, st.ID)
		}
	}
	down, err := e.Registry.Downstream(st.ID)
	if err != nil {
		return nil, err
	}
	order := append(down, st)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deleted := map[string]int64{}
	for _, ds := range order {
		n, err := e.Store.DeleteWhereTx(ctx, tx, ds, restriction)
		if err != nil {
			return nil, err
		}
		if _, err := e.Jobs.DeleteWhereTx(ctx, tx, ds.ID, restriction); err != nil {
			return nil, err
		}
		deleted[ds.ID] = n
	}
	payload := events.EventPayload{}
	for id, n := range deleted {
		payload[id] = n
	}
	if err := e.Events.Append(ctx, tx, "delete.cascade", st.ID, restriction, e.Owner, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}
