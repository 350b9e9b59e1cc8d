package jobs_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"scanline/internal/db"
	"scanline/internal/jobs"
	"scanline/internal/key"
	"scanline/internal/migrate"
)

func newTestStore(t *testing.T) (jobs.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return jobs.New(conn), conn
}

func testKey() key.Key {
	return key.New(
		key.Attr{Name: "animal_id", Value: "7"},
		key.Attr{Name: "session", Value: "1"},
	)
}

func TestReserveConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-a", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("second reserve: got %v, want ErrReserved", err)
	}

	// Same key under a different stage is independent.
	if err := s.Reserve(ctx, "reso.summary_images", k, "worker-b", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve under other stage: %v", err)
	}
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Reserve(ctx, "reso.scan_info", k, owner, jobs.ReservePolicy{}); err == nil {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners (%v), want exactly 1", len(winners), winners)
	}
	rec, err := s.Get(ctx, "reso.scan_info", k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Owner != winners[0] || rec.Status != jobs.StatusReserved {
		t.Fatalf("record owner=%s status=%s, want owner=%s reserved", rec.Owner, rec.Status, winners[0])
	}
}

func TestStaleReservationReclaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.Now = func() time.Time { return t0 }
	if err := s.Reserve(ctx, "reso.scan_info", k, "dead-worker", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// One hour later: inside the window, still held.
	s.Now = func() time.Time { return t0.Add(time.Hour) }
	err := s.Reserve(ctx, "reso.scan_info", k, "live-worker", jobs.ReservePolicy{StaleAfter: 2 * time.Hour})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("reserve inside window: got %v, want ErrReserved", err)
	}

	// Three hours later: stale, reclaimable.
	s.Now = func() time.Time { return t0.Add(3 * time.Hour) }
	if err := s.Reserve(ctx, "reso.scan_info", k, "live-worker", jobs.ReservePolicy{StaleAfter: 2 * time.Hour}); err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	rec, err := s.Get(ctx, "reso.scan_info", k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Owner != "live-worker" {
		t.Fatalf("owner = %s, want live-worker", rec.Owner)
	}

	// With reclamation disabled a reservation never goes stale.
	k2 := key.New(key.Attr{Name: "animal_id", Value: "8"})
	s.Now = func() time.Time { return t0 }
	if err := s.Reserve(ctx, "reso.scan_info", k2, "dead-worker", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	s.Now = func() time.Time { return t0.Add(1000 * time.Hour) }
	err = s.Reserve(ctx, "reso.scan_info", k2, "live-worker", jobs.ReservePolicy{})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("reserve with reclamation off: got %v, want ErrReserved", err)
	}
}

func TestStaleCutoffOrdersWithinOneSecond(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()
	t0 := time.Date(2026, 3, 1, 12, 0, 5, 500_000_000, time.UTC)

	s.Now = func() time.Time { return t0 }
	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-a", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The cutoff lands on the same second the reservation was taken, half a
	// second before it. The record is fresher than the cutoff and must hold.
	s.Now = func() time.Time { return t0.Add(time.Hour).Add(-500 * time.Millisecond) }
	err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{StaleAfter: time.Hour})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("reserve at sub-second cutoff: got %v, want ErrReserved", err)
	}

	// Half a second past the window the reservation is genuinely stale.
	s.Now = func() time.Time { return t0.Add(time.Hour).Add(500 * time.Millisecond) }
	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{StaleAfter: time.Hour}); err != nil {
		t.Fatalf("reclaim past window: %v", err)
	}
	rec, err := s.Get(ctx, "reso.scan_info", k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Owner != "worker-b" {
		t.Fatalf("owner = %s, want worker-b", rec.Owner)
	}
}

func TestErrorRetryGating(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-a", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.MarkError(ctx, "reso.scan_info", k, "file missing"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("reserve errored key without retry: got %v, want ErrReserved", err)
	}

	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{RetryErrors: true}); err != nil {
		t.Fatalf("retry errored key: %v", err)
	}
	rec, err := s.Get(ctx, "reso.scan_info", k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != jobs.StatusReserved || rec.ErrorDetail != "" {
		t.Fatalf("after retry: status=%s detail=%q, want reserved with cleared detail", rec.Status, rec.ErrorDetail)
	}
}

func TestMarkDoneRequiresReservation(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := s.MarkDoneTx(ctx, tx, "reso.scan_info", k); err == nil {
		t.Fatal("mark done without a reservation should fail")
	}
}

func TestDoneIsFinal(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-a", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDoneTx(ctx, tx, "reso.scan_info", k); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	err = s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{RetryErrors: true, StaleAfter: time.Nanosecond})
	if !errors.Is(err, jobs.ErrReserved) {
		t.Fatalf("reserve done key: got %v, want ErrReserved", err)
	}
}

func TestReleaseReopensKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	k := testKey()

	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-a", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Release(ctx, "reso.scan_info", k); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Get(ctx, "reso.scan_info", k); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("get after release: got %v, want ErrNotFound", err)
	}
	if err := s.Reserve(ctx, "reso.scan_info", k, "worker-b", jobs.ReservePolicy{}); err != nil {
		t.Fatalf("re-reserve after release: %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	k1 := key.New(key.Attr{Name: "animal_id", Value: "1"})
	k2 := key.New(key.Attr{Name: "animal_id", Value: "2"})
	if err := s.Reserve(ctx, "reso.scan_info", k1, "w", jobs.ReservePolicy{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(ctx, "reso.scan_info", k2, "w", jobs.ReservePolicy{}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkError(ctx, "reso.scan_info", k2, "boom"); err != nil {
		t.Fatal(err)
	}

	errored, err := s.ListByStatus(ctx, "reso.scan_info", jobs.StatusError)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(errored) != 1 || !errored[0].Key.Equal(k2) || errored[0].ErrorDetail != "boom" {
		t.Fatalf("errored = %+v, want only %s with detail", errored, k2)
	}

	all, err := s.ListByStatus(ctx, "", jobs.StatusReserved)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || !all[0].Key.Equal(k1) {
		t.Fatalf("reserved = %+v, want only %s", all, k1)
	}
}

func TestDeleteWhereSharedAttributes(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	keys := []key.Key{
		key.New(key.Attr{Name: "animal_id", Value: "1"}, key.Attr{Name: "session", Value: "1"}),
		key.New(key.Attr{Name: "animal_id", Value: "1"}, key.Attr{Name: "session", Value: "2"}),
		key.New(key.Attr{Name: "animal_id", Value: "2"}, key.Attr{Name: "session", Value: "1"}),
	}
	for _, k := range keys {
		if err := s.Reserve(ctx, "reso.scan_info", k, "w", jobs.ReservePolicy{}); err != nil {
			t.Fatal(err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteWhereTx(ctx, tx, "reso.scan_info", key.New(key.Attr{Name: "animal_id", Value: "1"}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d records, want 2", n)
	}
	left, err := s.ListByStatus(ctx, "reso.scan_info", jobs.StatusReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || !left[0].Key.Equal(keys[2]) {
		t.Fatalf("remaining = %+v, want only %s", left, keys[2])
	}
}
