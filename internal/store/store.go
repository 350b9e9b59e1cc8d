// Package store persists stage rows. Each registered stage gets its own
// relation whose primary key is the stage's key schema; each part collection
// gets a child relation keyed by the parent key plus the discriminator.
// Computed attributes live in a JSON payload column.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scanline/internal/key"
	"scanline/internal/stage"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	DB       *sql.DB
	Registry *stage.Registry
	Now      func() time.Time
}

func New(db *sql.DB, reg *stage.Registry) Store {
	return Store{DB: db, Registry: reg, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Stage and attribute identifiers are regexp-validated at registration, so
// double-quoting is enough to make them safe in DDL and queries.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func tableName(st *stage.Stage) string {
	return quoteIdent(st.ID)
}

func partTableName(st *stage.Stage, part string) string {
	return quoteIdent(st.ID + "__" + part)
}

// EnsureTables creates the relation for every registered stage and part
// collection. Idempotent; run at startup after migrations.
func (s Store) EnsureTables(ctx context.Context) error {
	for _, st := range s.Registry.Stages() {
		cols := make([]string, 0, len(st.Schema)+2)
		for _, a := range st.Schema {
			cols = append(cols, quoteIdent(a)+" TEXT NOT NULL")
		}
		cols = append(cols, "data_json TEXT NOT NULL", "created_at TEXT NOT NULL")
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
			tableName(st), strings.Join(cols, ", "), joinQuoted(st.Schema))
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure table for stage %s: %w", st.ID, err)
		}
		for _, p := range st.Parts {
			pcols := make([]string, 0, len(st.Schema)+3)
			for _, a := range st.Schema {
				pcols = append(pcols, quoteIdent(a)+" TEXT NOT NULL")
			}
			pcols = append(pcols, quoteIdent(p.Disc)+" TEXT NOT NULL", "data_json TEXT NOT NULL", "created_at TEXT NOT NULL")
			pk := joinQuoted(append(append([]string{}, st.Schema...), p.Disc))
			ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
				partTableName(st, p.Name), strings.Join(pcols, ", "), pk)
			if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("ensure part table %s of stage %s: %w", p.Name, st.ID, err)
			}
		}
	}
	return nil
}

func joinQuoted(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}

func keyValues(st *stage.Stage, k key.Key) ([]any, error) {
	full, ok := k.Restrict(st.Schema)
	if !ok {
		return nil, fmt.Errorf("key %s does not cover schema of stage %s", k, st.ID)
	}
	args := make([]any, 0, full.Len())
	for _, a := range full.Attrs() {
		args = append(args, a.Value)
	}
	return args, nil
}

func marshalValues(values stage.Row) (string, error) {
	if values == nil {
		values = stage.Row{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal row values: %w", err)
	}
	return string(data), nil
}

// InsertRow inserts one row into a stage relation outside any populate run.
// Used for manual stages.
func (s Store) InsertRow(ctx context.Context, st *stage.Stage, k key.Key, values stage.Row) error {
	args, err := keyValues(st, k)
	if err != nil {
		return err
	}
	data, err := marshalValues(values)
	if err != nil {
		return err
	}
	args = append(args, data, s.now().UTC().Format(time.RFC3339))
	q := fmt.Sprintf("INSERT INTO %s (%s, data_json, created_at) VALUES (%s)",
		tableName(st), joinQuoted(st.Schema), placeholders(len(args)))
	if _, err := s.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", st.ID, err)
	}
	return nil
}

// InsertResultSetTx writes the parent row and every part row of rs inside tx.
// The caller owns the transaction; nothing is observable until it commits.
func (s Store) InsertResultSetTx(ctx context.Context, tx *sql.Tx, st *stage.Stage, k key.Key, rs stage.ResultSet) error {
	args, err := keyValues(st, k)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	data, err := marshalValues(rs.Values)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (%s, data_json, created_at) VALUES (%s)",
		tableName(st), joinQuoted(st.Schema), placeholders(len(args)+2))
	if _, err := tx.ExecContext(ctx, q, append(args, data, now)...); err != nil {
		return fmt.Errorf("insert into %s: %w", st.ID, err)
	}
	for name, rows := range rs.Parts {
		spec, ok := st.Part(name)
		if !ok {
			return fmt.Errorf("stage %s has no part collection %q", st.ID, name)
		}
		pq := fmt.Sprintf("INSERT INTO %s (%s, %s, data_json, created_at) VALUES (%s)",
			partTableName(st, name), joinQuoted(st.Schema), quoteIdent(spec.Disc), placeholders(len(args)+3))
		for _, row := range rows {
			if row.Disc == "" {
				return fmt.Errorf("part %s of stage %s: empty discriminator", name, st.ID)
			}
			pdata, err := marshalValues(row.Values)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, pq, append(append([]any{}, args...), row.Disc, pdata, now)...); err != nil {
				return fmt.Errorf("insert part %s of %s: %w", name, st.ID, err)
			}
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// whereFor builds a WHERE clause from the restriction attributes that appear
// in cols; attributes outside cols are ignored, matching "restricts to"
// semantics on the shared attributes.
func whereFor(cols []string, restriction key.Key) (string, []any) {
	var conds []string
	var args []any
	for _, a := range restriction.Attrs() {
		for _, c := range cols {
			if c == a.Name {
				conds = append(conds, quoteIdent(c)+" = ?")
				args = append(args, a.Value)
				break
			}
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// DoneKeys returns the distinct projection of a stage's committed keys onto
// attrs. Projecting onto zero attributes yields one empty key iff the
// relation is non-empty, which gives natural-join-with-no-shared-attributes
// its cartesian meaning.
func (s Store) DoneKeys(ctx context.Context, stageID string, attrs []string) ([]key.Key, error) {
	st, err := s.Registry.Get(stageID)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		found := false
		for _, c := range st.Schema {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("attribute %q not in schema of stage %s", a, stageID)
		}
	}
	if len(attrs) == 0 {
		n, err := s.CountRows(ctx, st)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return []key.Key{{}}, nil
	}
	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s", joinQuoted(attrs), tableName(st))
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("done keys of %s: %w", stageID, err)
	}
	defer rows.Close()
	var out []key.Key
	for rows.Next() {
		vals := make([]sql.NullString, len(attrs))
		ptrs := make([]any, len(attrs))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		k := key.Key{}
		for i, a := range attrs {
			k = k.With(a, vals[i].String)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Rows returns committed parent rows of a stage whose key covers restriction.
func (s Store) Rows(ctx context.Context, stageID string, restriction key.Key) ([]stage.StoredRow, error) {
	st, err := s.Registry.Get(stageID)
	if err != nil {
		return nil, err
	}
	where, args := whereFor(st.Schema, restriction)
	q := fmt.Sprintf("SELECT %s, data_json FROM %s%s", joinQuoted(st.Schema), tableName(st), where)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rows of %s: %w", stageID, err)
	}
	defer rows.Close()
	var out []stage.StoredRow
	for rows.Next() {
		r, err := scanStoredRow(rows, st.Schema)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Row returns the single parent row for a full key, or ErrNotFound.
func (s Store) Row(ctx context.Context, stageID string, k key.Key) (stage.StoredRow, error) {
	st, err := s.Registry.Get(stageID)
	if err != nil {
		return stage.StoredRow{}, err
	}
	full, ok := k.Restrict(st.Schema)
	if !ok {
		return stage.StoredRow{}, fmt.Errorf("key %s does not cover schema of stage %s", k, stageID)
	}
	matches, err := s.Rows(ctx, stageID, full)
	if err != nil {
		return stage.StoredRow{}, err
	}
	if len(matches) == 0 {
		return stage.StoredRow{}, fmt.Errorf("stage %s key %s: %w", stageID, k, ErrNotFound)
	}
	return matches[0], nil
}

// PartRows returns committed part rows whose parent key covers restriction.
func (s Store) PartRows(ctx context.Context, stageID, part string, restriction key.Key) ([]stage.StoredPartRow, error) {
	st, err := s.Registry.Get(stageID)
	if err != nil {
		return nil, err
	}
	spec, ok := st.Part(part)
	if !ok {
		return nil, fmt.Errorf("stage %s has no part collection %q", stageID, part)
	}
	where, args := whereFor(st.Schema, restriction)
	// Discriminators are stored as TEXT; casting first keeps numeric
	// discriminators in numeric order past nine rows.
	q := fmt.Sprintf("SELECT %s, %s, data_json FROM %s%s ORDER BY CAST(%s AS INTEGER), %s",
		joinQuoted(st.Schema), quoteIdent(spec.Disc), partTableName(st, part), where, quoteIdent(spec.Disc), quoteIdent(spec.Disc))
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("part rows %s of %s: %w", part, stageID, err)
	}
	defer rows.Close()
	var out []stage.StoredPartRow
	for rows.Next() {
		vals := make([]sql.NullString, len(st.Schema)+1)
		var data string
		ptrs := make([]any, 0, len(vals)+1)
		for i := range vals {
			ptrs = append(ptrs, &vals[i])
		}
		ptrs = append(ptrs, &data)
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		k := key.Key{}
		for i, a := range st.Schema {
			k = k.With(a, vals[i].String)
		}
		var values stage.Row
		if err := json.Unmarshal([]byte(data), &values); err != nil {
			return nil, fmt.Errorf("unmarshal part row of %s: %w", stageID, err)
		}
		out = append(out, stage.StoredPartRow{Key: k, Disc: vals[len(st.Schema)].String, Values: values})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredRow(rows rowScanner, schema []string) (stage.StoredRow, error) {
	vals := make([]sql.NullString, len(schema))
	var data string
	ptrs := make([]any, 0, len(schema)+1)
	for i := range vals {
		ptrs = append(ptrs, &vals[i])
	}
	ptrs = append(ptrs, &data)
	if err := rows.Scan(ptrs...); err != nil {
		return stage.StoredRow{}, err
	}
	k := key.Key{}
	for i, a := range schema {
		k = k.With(a, vals[i].String)
	}
	var values stage.Row
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return stage.StoredRow{}, fmt.Errorf("unmarshal row values: %w", err)
	}
	return stage.StoredRow{Key: k, Values: values}, nil
}

// CountRows returns the number of parent rows in a stage relation.
func (s Store) CountRows(ctx context.Context, st *stage.Stage) (int, error) {
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName(st))
	if err := s.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", st.ID, err)
	}
	return n, nil
}

// DeleteWhereTx deletes parent rows matching restriction and their part rows,
// inside tx. Returns the number of deleted parent rows.
func (s Store) DeleteWhereTx(ctx context.Context, tx *sql.Tx, st *stage.Stage, restriction key.Key) (int64, error) {
	where, args := whereFor(st.Schema, restriction)
	for _, p := range st.Parts {
		q := fmt.Sprintf("DELETE FROM %s%s", partTableName(st, p.Name), where)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("delete part %s of %s: %w", p.Name, st.ID, err)
		}
	}
	q := fmt.Sprintf("DELETE FROM %s%s", tableName(st), where)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", st.ID, err)
	}
	return res.RowsAffected()
}
