package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"scanline/internal/key"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so the log commits atomically with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, stageID string, k key.Key, workerID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,stage_id,key_text,worker_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(stageID), nullable(keyText(k)), workerID, string(data))
	return err
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	StageID  string `json:"stage_id,omitempty"`
	KeyText  string `json:"key,omitempty"`
	WorkerID string `json:"worker_id"`
	Payload  string `json:"payload_json"`
}

// Recent returns the newest events, most recent first.
func (w Writer) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(stage_id,''), COALESCE(key_text,''), worker_id, payload_json
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.StageID, &e.KeyText, &e.WorkerID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func keyText(k key.Key) string {
	if k.Len() == 0 {
		return ""
	}
	return k.String()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
