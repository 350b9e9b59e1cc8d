// Package jobs is the reservation store: a shared relation of in-progress,
// completed and errored keys per stage, used as an optimistic lock across
// worker processes. The reserve primitive is a single conditional write, so
// exactly one of N concurrent claimants wins.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scanline/internal/key"
)

// ErrReserved is the reservation conflict: another worker owns the key. Not
// an error condition for callers, who skip the key without side effects.
var ErrReserved = errors.New("job already reserved")

var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusReserved Status = "reserved"
	StatusDone     Status = "done"
	StatusError    Status = "error"
)

// Record is one reservation: at most one active record exists per
// (stage, key) at any time.
type Record struct {
	StageID     string    `json:"stage_id"`
	Key         key.Key   `json:"key"`
	Status      Status    `json:"status"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// ReservePolicy controls when an existing record may be taken over.
type ReservePolicy struct {
	// StaleAfter makes a 'reserved' record reclaimable once it has not been
	// touched for this long. Zero disables reclamation.
	StaleAfter time.Duration
	// RetryErrors allows re-reserving a key whose last attempt errored.
	RetryErrors bool
}

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// tsFormat keeps the fractional seconds fixed-width, unlike RFC3339Nano,
// so lexicographic order of stored timestamps equals time order. The
// staleness comparison and ORDER BY updated_at both rely on this.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Reserve claims (stageID, k) for owner. The insert-or-conditional-update is
// atomic in the backing store: concurrent callers race on one statement and
// all but one observe ErrReserved. An existing record yields only when it is
// a stale reservation or a retryable error per policy.
func (s Store) Reserve(ctx context.Context, stageID string, k key.Key, owner string, p ReservePolicy) error {
	now := s.now().UTC()
	staleCutoff := "" // never matches: no timestamp sorts at or before the empty string
	if p.StaleAfter > 0 {
		staleCutoff = now.Add(-p.StaleAfter).Format(tsFormat)
	}
	retry := 0
	if p.RetryErrors {
		retry = 1
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (stage_id, key_hash, key_text, status, owner, created_at, updated_at, error_detail)
		VALUES (?,?,?,?,?,?,?,NULL)
		ON CONFLICT(stage_id, key_hash) DO UPDATE SET
			status = excluded.status,
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			error_detail = NULL
		WHERE (jobs.status = 'reserved' AND jobs.updated_at <= ?)
		   OR (jobs.status = 'error' AND ? = 1)`,
		stageID, k.Encode(), k.String(), StatusReserved, owner,
		now.Format(tsFormat), now.Format(tsFormat), staleCutoff, retry)
	if err != nil {
		return fmt.Errorf("reserve %s %s: %w", stageID, k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReserved
	}
	return nil
}

// MarkDoneTx transitions a reserved record to done inside the commit
// transaction of its ResultSet, so "done implies the rows exist" holds.
func (s Store) MarkDoneTx(ctx context.Context, tx *sql.Tx, stageID string, k key.Key) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE stage_id=? AND key_hash=? AND status=?`,
		StatusDone, s.now().UTC().Format(tsFormat), stageID, k.Encode(), StatusReserved)
	if err != nil {
		return fmt.Errorf("mark done %s %s: %w", stageID, k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark done %s %s: no reserved record", stageID, k)
	}
	return nil
}

// MarkError records a failed attempt with its detail. The key stays not-done
// and is retried only when the stage allows it.
func (s Store) MarkError(ctx context.Context, stageID string, k key.Key, detail string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=?, error_detail=? WHERE stage_id=? AND key_hash=?`,
		StatusError, s.now().UTC().Format(tsFormat), detail, stageID, k.Encode())
	if err != nil {
		return fmt.Errorf("mark error %s %s: %w", stageID, k, err)
	}
	return nil
}

// Release drops a reservation that produced no result, e.g. on shutdown
// before compute started. Done and error records are kept.
func (s Store) Release(ctx context.Context, stageID string, k key.Key) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE stage_id=? AND key_hash=? AND status=?`,
		stageID, k.Encode(), StatusReserved)
	if err != nil {
		return fmt.Errorf("release %s %s: %w", stageID, k, err)
	}
	return nil
}

// Get returns the record for (stageID, k) or ErrNotFound.
func (s Store) Get(ctx context.Context, stageID string, k key.Key) (Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT stage_id, key_hash, status, owner, created_at, updated_at, COALESCE(error_detail,'')
		 FROM jobs WHERE stage_id=? AND key_hash=?`, stageID, k.Encode())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %s: %w", stageID, k, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var keyHash, created, updated string
	if err := row.Scan(&rec.StageID, &keyHash, &rec.Status, &rec.Owner, &created, &updated, &rec.ErrorDetail); err != nil {
		return Record{}, err
	}
	k, err := key.Decode(keyHash)
	if err != nil {
		return Record{}, err
	}
	rec.Key = k
	if rec.CreatedAt, err = time.Parse(tsFormat, created); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = time.Parse(tsFormat, updated); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListByStatus returns records for one stage (or all stages when stageID is
// empty) with the given status, oldest first.
func (s Store) ListByStatus(ctx context.Context, stageID string, status Status) ([]Record, error) {
	q := `SELECT stage_id, key_hash, status, owner, created_at, updated_at, COALESCE(error_detail,'')
	      FROM jobs WHERE status=?`
	args := []any{status}
	if stageID != "" {
		q += ` AND stage_id=?`
		args = append(args, stageID)
	}
	q += ` ORDER BY updated_at`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteWhereTx removes all records of a stage whose key covers restriction,
// as part of a cascade delete transaction.
func (s Store) DeleteWhereTx(ctx context.Context, tx *sql.Tx, stageID string, restriction key.Key) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key_hash FROM jobs WHERE stage_id=?`, stageID)
	if err != nil {
		return 0, fmt.Errorf("list job keys of %s: %w", stageID, err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, err
		}
		k, err := key.Decode(h)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if matchesShared(k, restriction) {
			hashes = append(hashes, h)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	var n int64
	for _, h := range hashes {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE stage_id=? AND key_hash=?`, stageID, h)
		if err != nil {
			return n, fmt.Errorf("delete job %s: %w", stageID, err)
		}
		d, _ := res.RowsAffected()
		n += d
	}
	return n, nil
}

// matchesShared reports whether k agrees with restriction on every attribute
// they share. Attributes of the restriction absent from k are unconstrained,
// mirroring how row deletion restricts on shared attributes.
func matchesShared(k, restriction key.Key) bool {
	for _, a := range restriction.Attrs() {
		if v, ok := k.Get(a.Name); ok && v != a.Value {
			return false
		}
	}
	return true
}
