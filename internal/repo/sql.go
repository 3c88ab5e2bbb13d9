package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketline/internal/domain"
	"ticketline/internal/events"
	"ticketline/internal/fsm"
)

// SQL is a Store backed by the migrated SQLite schema. Every mutation and its
// audit event are written in one transaction.
type SQL struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time

	locks *KeyedMutex
}

func NewSQL(db *sql.DB, now func() time.Time) *SQL {
	if now == nil {
		now = time.Now
	}
	return &SQL{DB: db, Events: events.Writer{Now: now}, Now: now, locks: NewKeyedMutex()}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const workflowInsertColumns = `id,ticket_id,ticket_url,repository_url,state,created_at,updated_at,spec_path,spec_content,workspace_path,branch_name,qa_report_url,qa_passed,pr_number,pr_url,merged_at,error_message,retry_count,revision_count,parent_id,ticket_json`

const workflowColumns = `id,ticket_id,COALESCE(ticket_url,''),repository_url,state,created_at,updated_at,spec_path,spec_content,workspace_path,branch_name,qa_report_url,qa_passed,pr_number,pr_url,merged_at,error_message,retry_count,revision_count,parent_id,ticket_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	var state, createdAt, updatedAt, ticketJSON string
	var specPath, specContent, workspace, branch, qaReport, prURL, mergedAt, errMsg, parentID sql.NullString
	var qaPassed sql.NullBool
	var prNumber sql.NullInt64
	err := row.Scan(&w.ID, &w.TicketID, &w.TicketURL, &w.RepositoryURL, &state, &createdAt, &updatedAt,
		&specPath, &specContent, &workspace, &branch, &qaReport, &qaPassed, &prNumber, &prURL, &mergedAt,
		&errMsg, &w.RetryCount, &w.RevisionCount, &parentID, &ticketJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.State = fsm.State(state)
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, err
	}
	w.SpecPath = fromNull(specPath)
	w.SpecContent = fromNull(specContent)
	w.WorkspacePath = fromNull(workspace)
	w.BranchName = fromNull(branch)
	w.QAReportURL = fromNull(qaReport)
	w.PRURL = fromNull(prURL)
	w.ErrorMessage = fromNull(errMsg)
	w.ParentID = fromNull(parentID)
	if qaPassed.Valid {
		v := qaPassed.Bool
		w.QAPassed = &v
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		w.PRNumber = &v
	}
	if mergedAt.Valid {
		t, err := parseTime(mergedAt.String)
		if err != nil {
			return w, err
		}
		w.MergedAt = &t
	}
	if err := json.Unmarshal([]byte(ticketJSON), &w.Ticket); err != nil {
		return w, fmt.Errorf("workflow %s ticket: %w", w.ID, err)
	}
	return w, nil
}

func workflowArgs(w domain.Workflow) ([]any, error) {
	ticket, err := json.Marshal(w.Ticket)
	if err != nil {
		return nil, err
	}
	var qaPassed, prNumber, mergedAt any
	if w.QAPassed != nil {
		qaPassed = *w.QAPassed
	}
	if w.PRNumber != nil {
		prNumber = *w.PRNumber
	}
	if w.MergedAt != nil {
		mergedAt = formatTime(*w.MergedAt)
	}
	return []any{
		w.TicketID, nullable(w.TicketURL), w.RepositoryURL, string(w.State),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
		toNull(w.SpecPath), toNull(w.SpecContent), toNull(w.WorkspacePath), toNull(w.BranchName),
		toNull(w.QAReportURL), qaPassed, prNumber, toNull(w.PRURL), mergedAt, toNull(w.ErrorMessage),
		w.RetryCount, w.RevisionCount, toNull(w.ParentID), string(ticket),
		w.ID,
	}, nil
}

func (s *SQL) loadHistory(ctx context.Context, q queryer, id string) ([]fsm.Transition, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_state,to_state,at,triggered_by,metadata_json FROM transitions WHERE workflow_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []fsm.Transition
	for rows.Next() {
		var from sql.NullString
		var to, at, meta string
		var tr fsm.Transition
		if err := rows.Scan(&from, &to, &at, &tr.TriggeredBy, &meta); err != nil {
			return nil, err
		}
		if from.Valid {
			f := fsm.State(from.String)
			tr.From = &f
		}
		tr.To = fsm.State(to)
		if tr.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("transition metadata: %w", err)
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (s *SQL) loadRecord(ctx context.Context, q queryer, id string) (Record, error) {
	w, err := scanWorkflow(q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
	if err != nil {
		return Record{}, err
	}
	history, err := s.loadHistory(ctx, q, id)
	if err != nil {
		return Record{}, err
	}
	m, err := fsm.Restore(history, fsm.WithClock(s.Now))
	if err != nil {
		return Record{}, fmt.Errorf("workflow %s: %w", id, err)
	}
	return Record{Workflow: w, Machine: m}, nil
}

func insertTransitions(ctx context.Context, tx *sql.Tx, id string, offset int, history []fsm.Transition) error {
	for i, tr := range history {
		meta := "{}"
		if len(tr.Metadata) > 0 {
			data, err := json.Marshal(tr.Metadata)
			if err != nil {
				return err
			}
			meta = string(data)
		}
		var from any
		if tr.From != nil {
			from = string(*tr.From)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO transitions(workflow_id,seq,from_state,to_state,at,triggered_by,metadata_json) VALUES (?,?,?,?,?,?,?)`,
			id, offset+i, from, string(tr.To), formatTime(tr.At), tr.TriggeredBy, meta); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	return nil
}

func (s *SQL) CreateWorkflow(ctx context.Context, rec Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	args, err := workflowArgs(rec.Workflow)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// id goes first on insert; workflowArgs puts it last for UPDATE ... WHERE id=?.
	insertArgs := append([]any{rec.Workflow.ID}, args[:len(args)-1]...)
	if _, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowInsertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, insertArgs...); err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	history := rec.Machine.History()
	if err := insertTransitions(ctx, tx, rec.Workflow.ID, 0, history); err != nil {
		return err
	}
	payload := events.Payload{"ticket_id": rec.Workflow.TicketID, "state": string(rec.Workflow.State)}
	if rec.Workflow.ParentID != nil {
		payload["parent_id"] = *rec.Workflow.ParentID
	}
	if err := s.Events.Append(ctx, tx, events.WorkflowCreated, "workflow", rec.Workflow.ID, rec.Workflow.ID, history[0].TriggeredBy, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) GetWorkflow(ctx context.Context, id string) (Record, error) {
	return s.loadRecord(ctx, s.DB, id)
}

func (s *SQL) FindActiveByTicket(ctx context.Context, ticketID string) (Record, error) {
	terminal := terminalStates()
	q := `SELECT id FROM workflows WHERE ticket_id=? AND state NOT IN (` + placeholders(len(terminal)) + `) ORDER BY created_at DESC LIMIT 1`
	args := append([]any{ticketID}, terminal...)
	var id string
	if err := s.DB.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return s.loadRecord(ctx, s.DB, id)
}

func (s *SQL) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]domain.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	if f.State != "" {
		q += ` AND state=?`
		args = append(args, string(f.State))
	}
	if f.TicketID != "" {
		q += ` AND ticket_id=?`
		args = append(args, f.TicketID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (s *SQL) UpdateWorkflow(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	cur, err := s.loadRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	next, err := applyUpdate(cur, fn)
	if err != nil {
		return Record{}, err
	}
	args, err := workflowArgs(next.Workflow)
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET ticket_id=?,ticket_url=?,repository_url=?,state=?,created_at=?,updated_at=?,spec_path=?,spec_content=?,workspace_path=?,branch_name=?,qa_report_url=?,qa_passed=?,pr_number=?,pr_url=?,merged_at=?,error_message=?,retry_count=?,revision_count=?,parent_id=?,ticket_json=? WHERE id=?`, args...); err != nil {
		return Record{}, fmt.Errorf("update workflow: %w", err)
	}
	oldLen := len(cur.Machine.History())
	added := next.Machine.History()[oldLen:]
	if err := insertTransitions(ctx, tx, id, oldLen, added); err != nil {
		return Record{}, err
	}
	for _, tr := range added {
		payload := events.Payload{"from": string(*tr.From), "to": string(tr.To)}
		for k, v := range tr.Metadata {
			payload[k] = v
		}
		if err := s.Events.Append(ctx, tx, events.WorkflowTransitioned, "workflow", id, id, tr.TriggeredBy, payload); err != nil {
			return Record{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return next, nil
}

// ListEvents returns audit events, newest first.
func (s *SQL) ListEvents(ctx context.Context, f events.Filter) ([]events.Event, error) {
	return events.List(ctx, s.DB, f)
}

// EventsAfter returns audit events newer than cursor, oldest first.
func (s *SQL) EventsAfter(ctx context.Context, cursor int64, limit int) ([]events.Event, error) {
	return events.After(ctx, s.DB, cursor, limit)
}

// LatestEventID returns the id of the newest audit event.
func (s *SQL) LatestEventID(ctx context.Context) (int64, error) {
	return events.LatestID(ctx, s.DB)
}

func terminalStates() []any {
	var res []any
	for _, st := range fsm.States() {
		if fsm.IsTerminal(st) {
			res = append(res, string(st))
		}
	}
	return res
}

func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is fixed width so that text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func toNull(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
