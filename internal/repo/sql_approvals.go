package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticketline/internal/domain"
	"ticketline/internal/events"
)

const approvalColumns = `id,workflow_id,type,COALESCE(content_ref,''),assignee,status,decision,COALESCE(comments,''),COALESCE(approver,''),requested_at,expires_at,decided_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var typ, status, requestedAt, expiresAt string
	var decision, decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.WorkflowID, &typ, &a.ContentRef, &a.Assignee, &status, &decision,
		&a.Comments, &a.Approver, &requestedAt, &expiresAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Type = domain.ApprovalType(typ)
	a.Status = domain.ApprovalStatus(status)
	if decision.Valid {
		d := domain.Decision(decision.String)
		a.Decision = &d
	}
	if a.RequestedAt, err = parseTime(requestedAt); err != nil {
		return a, err
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return a, err
	}
	if decidedAt.Valid {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return a, err
		}
		a.DecidedAt = &t
	}
	return a, nil
}

func (s *SQL) CreateApproval(ctx context.Context, a domain.Approval) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO approvals(id,workflow_id,type,content_ref,assignee,status,requested_at,expires_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkflowID, string(a.Type), nullable(a.ContentRef), a.Assignee, string(a.Status), formatTime(a.RequestedAt), formatTime(a.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	payload := events.Payload{"type": string(a.Type), "assignee": a.Assignee, "expires_at": formatTime(a.ExpiresAt)}
	if err := s.Events.Append(ctx, tx, events.ApprovalRequested, "approval", a.ID, a.WorkflowID, "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(s.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// DecideApproval flips a PENDING approval in a single conditional UPDATE, so a
// concurrent decision and expiry cannot both succeed.
func (s *SQL) DecideApproval(ctx context.Context, id string, in DecisionInput) (domain.Approval, error) {
	status, ok := in.Decision.Status()
	if !ok {
		return domain.Approval{}, fmt.Errorf("unknown decision %s", in.Decision)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?,decision=?,approver=?,comments=?,decided_at=? WHERE id=? AND status=?`,
		string(status), string(in.Decision), nullable(in.Approver), nullable(in.Comments), formatTime(in.At), id, string(domain.ApprovalPending))
	if err != nil {
		return domain.Approval{}, fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Approval{}, err
	}
	current, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
	if err != nil {
		return domain.Approval{}, err
	}
	if n == 0 {
		return current, ErrAlreadyDecided
	}
	payload := events.Payload{"decision": string(in.Decision), "status": string(status)}
	if in.Comments != "" {
		payload["comments"] = in.Comments
	}
	if err := s.Events.Append(ctx, tx, events.ApprovalDecided, "approval", id, current.WorkflowID, in.Approver, payload); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return current, nil
}

func (s *SQL) ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		q += ` AND workflow_id=?`
		args = append(args, f.WorkflowID)
	}
	if f.Assignee != "" {
		q += ` AND assignee=?`
		args = append(args, f.Assignee)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY requested_at, id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
