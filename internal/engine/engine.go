// Package engine drives the incremental computation: it resolves each
// stage's pending keys from upstream state, reserves and computes them, and
// keeps downstream state consistent under deletion.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"scanline/internal/config"
	"scanline/internal/events"
	"scanline/internal/jobs"
	"scanline/internal/notify"
	"scanline/internal/stage"
	"scanline/internal/store"
)

type Engine struct {
	DB       *sql.DB
	Registry *stage.Registry
	Store    store.Store
	Jobs     jobs.Store
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Log      *log.Logger
	// Owner identifies this worker process on reservation records.
	Owner string
}

func New(db *sql.DB, reg *stage.Registry, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return &Engine{
		DB:       db,
		Registry: reg,
		Store:    store.New(db, reg),
		Jobs:     jobs.New(db),
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Log:      log.New(os.Stderr, "", log.LstdFlags),
		Owner:    fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()),
	}
}

// Init creates the stage relations for the registered pipeline. Run once at
// startup, after migrations.
func (e *Engine) Init(ctx context.Context) error {
	return e.Store.EnsureTables(ctx)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// Progress reports (todo, done) for a stage: the size of its current pending
// set and the number of committed rows.
func (e *Engine) Progress(ctx context.Context, st *stage.Stage) (todo, done int, err error) {
	done, err = e.Store.CountRows(ctx, st)
	if err != nil {
		return 0, 0, err
	}
	pending, err := e.Pending(ctx, st)
	if err != nil {
		return 0, done, err
	}
	return len(pending), done, nil
}

// Errors lists the errored job records of a stage.
func (e *Engine) Errors(ctx context.Context, stageID string) ([]jobs.Record, error) {
	return e.Jobs.ListByStatus(ctx, stageID, jobs.StatusError)
}
