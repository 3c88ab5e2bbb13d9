package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkflowCreated      = "workflow.created"
	WorkflowTransitioned = "workflow.transitioned"
	ApprovalRequested    = "approval.requested"
	ApprovalDecided      = "approval.decided"
)

type Payload map[string]any

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Actor      string    `json:"actor"`
	Payload    Payload   `json:"payload"`
}

// Filter narrows List. Limit defaults to 50.
type Filter struct {
	WorkflowID string
	Type       string
	Limit      int
}

type Writer struct {
	Now func() time.Time
}

// Append writes an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, workflowID, actor string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,workflow_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), nullable(workflowID), actor, string(data))
	return err
}

// List returns the newest events first.
func List(ctx context.Context, db *sql.DB, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := selectEvents + ` WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		q += ` AND workflow_id=?`
		args = append(args, f.WorkflowID)
	}
	if f.Type != "" {
		q += ` AND type=?`
		args = append(args, f.Type)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return query(ctx, db, q, args...)
}

// After returns up to limit events with an id greater than cursor, oldest
// first.
func After(ctx context.Context, db *sql.DB, cursor int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return query(ctx, db, selectEvents+` WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestID returns the id of the newest event, or 0 for an empty log.
func LatestID(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

const selectEvents = `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(workflow_id,''),actor,payload_json FROM events`

func query(ctx context.Context, db *sql.DB, q string, args ...any) ([]Event, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &e.WorkflowID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
