package store_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"scanline/internal/db"
	"scanline/internal/key"
	"scanline/internal/migrate"
	"scanline/internal/stage"
	"scanline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := stage.NewRegistry()
	noop := func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		return stage.ResultSet{}, nil
	}
	mustRegister(t, reg, &stage.Stage{ID: "lab.scan", Schema: []string{"animal_id", "session"}})
	mustRegister(t, reg, &stage.Stage{
		ID:       "lab.segmentation",
		Schema:   []string{"animal_id", "session", "slice"},
		Upstream: []string{"lab.scan"},
		Parts:    []stage.PartSpec{{Name: "masks", Disc: "mask_id"}},
		Compute:  noop,
	})
	if err := reg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	s := store.New(conn, reg)
	if err := s.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	// Idempotent on a second run.
	if err := s.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables again: %v", err)
	}
	return s
}

func mustRegister(t *testing.T, reg *stage.Registry, st *stage.Stage) {
	t.Helper()
	if err := reg.Register(st); err != nil {
		t.Fatalf("register %s: %v", st.ID, err)
	}
}

func scanKey(animal, session string) key.Key {
	return key.New(
		key.Attr{Name: "animal_id", Value: animal},
		key.Attr{Name: "session", Value: session},
	)
}

func sliceKey(animal, session, slice string) key.Key {
	return scanKey(animal, session).With("slice", slice)
}

func TestInsertAndReadRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.scan")

	k := scanKey("7", "1")
	if err := s.InsertRow(ctx, st, k, stage.Row{"note": "first session", "depth": 120.5}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, err := s.Row(ctx, "lab.scan", k)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if !row.Key.Equal(k) {
		t.Fatalf("key = %s, want %s", row.Key, k)
	}
	if row.Values["note"] != "first session" || row.Values["depth"] != 120.5 {
		t.Fatalf("values = %v", row.Values)
	}

	if _, err := s.Row(ctx, "lab.scan", scanKey("7", "2")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing row: got %v, want ErrNotFound", err)
	}

	// Duplicate primary key is rejected.
	if err := s.InsertRow(ctx, st, k, nil); err == nil {
		t.Fatal("duplicate insert should fail")
	}

	// Extra key attributes beyond the schema are allowed and ignored.
	if err := s.InsertRow(ctx, st, scanKey("7", "2").With("slice", "9"), nil); err != nil {
		t.Fatalf("insert with extra attribute: %v", err)
	}

	// A key missing a schema attribute is rejected.
	if err := s.InsertRow(ctx, st, key.New(key.Attr{Name: "animal_id", Value: "9"}), nil); err == nil {
		t.Fatal("insert with incomplete key should fail")
	}
}

func TestDoneKeysProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.scan")

	for _, k := range []key.Key{scanKey("1", "1"), scanKey("1", "2"), scanKey("2", "1")} {
		if err := s.InsertRow(ctx, st, k, nil); err != nil {
			t.Fatal(err)
		}
	}

	full, err := s.DoneKeys(ctx, "lab.scan", []string{"animal_id", "session"})
	if err != nil {
		t.Fatalf("done keys: %v", err)
	}
	if len(full) != 3 {
		t.Fatalf("full projection: %d keys, want 3", len(full))
	}

	// Projecting onto a prefix collapses duplicates.
	animals, err := s.DoneKeys(ctx, "lab.scan", []string{"animal_id"})
	if err != nil {
		t.Fatalf("done keys: %v", err)
	}
	if len(animals) != 2 {
		t.Fatalf("animal projection: %d keys, want 2", len(animals))
	}

	// Zero attributes: one empty key while the relation is non-empty.
	empty, err := s.DoneKeys(ctx, "lab.scan", nil)
	if err != nil {
		t.Fatalf("done keys: %v", err)
	}
	if len(empty) != 1 || empty[0].Len() != 0 {
		t.Fatalf("zero projection = %v, want one empty key", empty)
	}
	none, err := s.DoneKeys(ctx, "lab.segmentation", nil)
	if err != nil {
		t.Fatalf("done keys: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("zero projection of empty relation = %v, want none", none)
	}

	if _, err := s.DoneKeys(ctx, "lab.scan", []string{"slice"}); err == nil {
		t.Fatal("projection onto attribute outside schema should fail")
	}
}

func TestResultSetWithParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.segmentation")

	k := sliceKey("1", "1", "3")
	rs := stage.ResultSet{
		Values: stage.Row{"method": "nmf"},
		Parts: map[string][]stage.PartRow{
			"masks": {
				{Disc: "2", Values: stage.Row{"pixels": 40.0}},
				{Disc: "1", Values: stage.Row{"pixels": 25.0}},
			},
		},
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertResultSetTx(ctx, tx, st, k, rs); err != nil {
		t.Fatalf("insert result set: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	parts, err := s.PartRows(ctx, "lab.segmentation", "masks", k)
	if err != nil {
		t.Fatalf("part rows: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("%d part rows, want 2", len(parts))
	}
	if parts[0].Disc != "1" || parts[1].Disc != "2" {
		t.Fatalf("part order = %s,%s, want discriminator order", parts[0].Disc, parts[1].Disc)
	}
	if parts[0].Values["pixels"] != 25.0 {
		t.Fatalf("part values = %v", parts[0].Values)
	}

	if _, err := s.PartRows(ctx, "lab.segmentation", "nope", k); err == nil {
		t.Fatal("unknown part collection should fail")
	}
}

func TestPartRowsNumericDiscriminatorOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.segmentation")

	k := sliceKey("1", "1", "1")
	// Insert in shuffled order and past single digits, where TEXT ordering
	// would put "10" and "11" before "2".
	var masks []stage.PartRow
	for _, disc := range []string{"10", "2", "11", "1", "3", "12", "4", "5", "7", "6", "9", "8"} {
		masks = append(masks, stage.PartRow{Disc: disc})
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	rs := stage.ResultSet{Parts: map[string][]stage.PartRow{"masks": masks}}
	if err := s.InsertResultSetTx(ctx, tx, st, k, rs); err != nil {
		t.Fatalf("insert result set: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	parts, err := s.PartRows(ctx, "lab.segmentation", "masks", k)
	if err != nil {
		t.Fatalf("part rows: %v", err)
	}
	if len(parts) != len(masks) {
		t.Fatalf("%d part rows, want %d", len(parts), len(masks))
	}
	for i, p := range parts {
		if want := strconv.Itoa(i + 1); p.Disc != want {
			t.Fatalf("parts[%d].Disc = %s, want %s", i, p.Disc, want)
		}
	}
}

func TestResultSetRollsBackAsAWhole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.segmentation")

	k := sliceKey("1", "1", "3")
	rs := stage.ResultSet{
		Parts: map[string][]stage.PartRow{
			"masks": {
				{Disc: "1", Values: nil},
				{Disc: "1", Values: nil}, // duplicate discriminator
			},
		},
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertResultSetTx(ctx, tx, st, k, rs); err == nil {
		t.Fatal("duplicate part discriminator should fail")
	}
	tx.Rollback()

	n, err := s.CountRows(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("parent rows after rollback = %d, want 0", n)
	}
	parts, err := s.PartRows(ctx, "lab.segmentation", "masks", key.Key{})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 0 {
		t.Fatalf("part rows after rollback = %d, want 0", len(parts))
	}
}

func TestRowsRestrictionOnSharedAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.scan")

	for _, k := range []key.Key{scanKey("1", "1"), scanKey("1", "2"), scanKey("2", "1")} {
		if err := s.InsertRow(ctx, st, k, nil); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.Rows(ctx, "lab.scan", key.New(key.Attr{Name: "animal_id", Value: "1"}))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("%d rows for animal 1, want 2", len(rows))
	}

	// Restriction attributes outside the schema do not constrain.
	rows, err = s.Rows(ctx, "lab.scan", key.New(key.Attr{Name: "slice", Value: "9"}))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("%d rows under foreign attribute, want 3", len(rows))
	}
}

func TestDeleteWhereRemovesParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st, _ := s.Registry.Get("lab.segmentation")

	for _, k := range []key.Key{sliceKey("1", "1", "1"), sliceKey("1", "1", "2"), sliceKey("2", "1", "1")} {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		rs := stage.ResultSet{Parts: map[string][]stage.PartRow{"masks": {{Disc: "1"}}}}
		if err := s.InsertResultSetTx(ctx, tx, st, k, rs); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteWhereTx(ctx, tx, st, key.New(key.Attr{Name: "animal_id", Value: "1"}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	parts, err := s.PartRows(ctx, "lab.segmentation", "masks", key.Key{})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("remaining parts = %v, want one", parts)
	}
	if v, _ := parts[0].Key.Get("animal_id"); v != "2" {
		t.Fatalf("remaining part key = %s, want animal 2", parts[0].Key)
	}
}
