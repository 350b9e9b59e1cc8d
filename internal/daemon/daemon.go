// Package daemon runs the polling worker: check every configured stage for
// pending work, populate the ones that have any, and otherwise sleep a
// randomized interval before polling again.
package daemon

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"time"

	"scanline/internal/engine"
	"scanline/internal/stage"
)

type Worker struct {
	Engine *engine.Engine
	Stages []*stage.Stage
	// TMin and TMax bound the uniform random sleep between idle polls.
	TMin time.Duration
	TMax time.Duration
	// Daemon keeps polling until the context is canceled; otherwise Run
	// performs a single poll-and-populate cycle and returns.
	Daemon bool
	Log    *log.Logger
	Rand   *rand.Rand

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(e *engine.Engine, stages []*stage.Stage, tmin, tmax time.Duration, daemonMode bool) *Worker {
	return &Worker{
		Engine: e,
		Stages: stages,
		TMin:   tmin,
		TMax:   tmax,
		Daemon: daemonMode,
		Log:    log.New(os.Stderr, "", log.LstdFlags),
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Log != nil {
		w.Log.Printf(format, args...)
	}
}

// Interval draws the next idle sleep, uniform in [TMin, TMax].
func (w *Worker) Interval() time.Duration {
	if w.TMax <= w.TMin {
		return w.TMin
	}
	span := int64(w.TMax - w.TMin)
	return w.TMin + time.Duration(w.Rand.Int63n(span+1))
}

// Run executes the poll loop. Per-stage failures are logged and never stop
// the loop; only context cancellation (or single-pass completion) ends it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		worked := false
		for _, st := range w.Stages {
			if err := ctx.Err(); err != nil {
				return err
			}
			todo, done, err := w.Engine.Progress(ctx, st)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				w.logf("daemon: progress stage=%s: %v", st.ID, err)
				continue
			}
			if todo == 0 {
				continue
			}
			worked = true
			w.logf("daemon: stage=%s todo=%d done=%d", st.ID, todo, done)
			res, err := w.Engine.Populate(ctx, st)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				w.logf("daemon: populate stage=%s: %v", st.ID, err)
				continue
			}
			w.logf("daemon: stage=%s attempted=%d succeeded=%d failed=%d", st.ID, res.Attempted, res.Succeeded, res.Failed)
		}
		if !w.Daemon {
			return nil
		}
		if !worked {
			if err := w.doSleep(ctx, w.Interval()); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) doSleep(ctx context.Context, d time.Duration) error {
	if w.sleep != nil {
		return w.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
