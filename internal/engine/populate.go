package engine

import (
	"context"
	"errors"
	"fmt"

	"scanline/internal/events"
	"scanline/internal/jobs"
	"scanline/internal/key"
	"scanline/internal/stage"
)

// Result counts one populate batch.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Populate runs the stage's compute function over every pending key it can
// reserve. One key's failure never aborts the batch: the error is recorded
// on the job record and the loop continues. There are no retries within a
// call; an errored key becomes pending again on a later poll only when the
// stage allows it.
func (e *Engine) Populate(ctx context.Context, st *stage.Stage) (Result, error) {
	var res Result
	if st.Manual() {
		return res, fmt.Errorf("stage %s is manual; insert rows instead of populating", st.ID)
	}
	pending, err := e.Pending(ctx, st)
	if err != nil {
		return res, err
	}
	policy := jobs.ReservePolicy{
		StaleAfter:  e.Config.StaleAfter(),
		RetryErrors: st.RetryErrors,
	}
	for _, k := range pending {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		err := e.Jobs.Reserve(ctx, st.ID, k, e.Owner, policy)
		if errors.Is(err, jobs.ErrReserved) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Attempted++
		rs, err := st.Compute(ctx, k, e.Store)
		if err != nil {
			res.Failed++
			e.failKey(ctx, st, k, fmt.Errorf("compute: %w", err))
			continue
		}
		if err := e.commit(ctx, st, k, rs); err != nil {
			res.Failed++
			e.failKey(ctx, st, k, fmt.Errorf("commit: %w", err))
			continue
		}
		res.Succeeded++
		if e.Notifier != nil {
			if err := e.Notifier.StagePopulated(ctx, st.ID, k); err != nil {
				e.logf("notify: stage=%s key=%s: %v", st.ID, k, err)
			}
		}
	}
	return res, nil
}

// commit writes the whole ResultSet, flips the reservation to done, and logs
// the event, all in one transaction. Partial insertion is never observable.
func (e *Engine) commit(ctx context.Context, st *stage.Stage, k key.Key, rs stage.ResultSet) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Store.InsertResultSetTx(ctx, tx, st, k, rs); err != nil {
		return err
	}
	if err := e.Jobs.MarkDoneTx(ctx, tx, st.ID, k); err != nil {
		return err
	}
	nparts := 0
	for _, rows := range rs.Parts {
		nparts += len(rows)
	}
	if err := e.Events.Append(ctx, tx, "populate.done", st.ID, k, e.Owner, events.EventPayload{"part_rows": nparts}); err != nil {
		return err
	}
	return tx.Commit()
}

// failKey records a per-key failure and keeps going. Recording happens
// outside the (already rolled back) commit transaction.
func (e *Engine) failKey(ctx context.Context, st *stage.Stage, k key.Key, cause error) {
	e.logf("populate: stage=%s key=%s: %v", st.ID, k, cause)
	if err := e.Jobs.MarkError(ctx, st.ID, k, cause.Error()); err != nil {
		e.logf("populate: stage=%s key=%s: record error: %v", st.ID, k, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "populate.error", st.ID, k, e.Owner, events.EventPayload{"error": cause.Error()}); err != nil {
		return
	}
	_ = tx.Commit()
}
