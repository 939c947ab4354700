package repo

import (
	"context"
	"database/sql"

	"veriflow/internal/domain"
)

const assignmentCols = `id,assignment_type,cycle_id,phase_id,version_id,from_role,to_role,assignee_id,status,due_date,completed_at,completed_by,approved_at,approved_by,escalated_to,delegated_to,notes,created_by,created_at,updated_at`

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, nullableInt64Ptr(a.CycleID), nullableStringPtr(a.PhaseID), nullableStringPtr(a.VersionID),
		a.FromRole, a.ToRole, nullableStringPtr(a.AssigneeID), a.Status,
		nullableStringPtr(a.DueDate), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.CompletedBy),
		nullableStringPtr(a.ApprovedAt), nullableStringPtr(a.ApprovedBy),
		nullableStringPtr(a.EscalatedTo), nullableStringPtr(a.DelegatedTo), nullableStringPtr(a.Notes),
		a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row)
}

func (r Repo) ListAssignments(ctx context.Context, cycleID int64, status, toRole string) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentCols + ` FROM assignments WHERE 1=1`
	var args []any
	if cycleID != 0 {
		query += ` AND cycle_id=?`
		args = append(args, cycleID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	if toRole != "" {
		query += ` AND to_role=?`
		args = append(args, toRole)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, assignee_id=?, due_date=?, completed_at=?, completed_by=?, approved_at=?, approved_by=?, escalated_to=?, delegated_to=?, notes=?, updated_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.AssigneeID), nullableStringPtr(a.DueDate),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.CompletedBy),
		nullableStringPtr(a.ApprovedAt), nullableStringPtr(a.ApprovedBy),
		nullableStringPtr(a.EscalatedTo), nullableStringPtr(a.DelegatedTo), nullableStringPtr(a.Notes),
		a.UpdatedAt, a.ID)
	return err
}

func (r Repo) InsertAssignmentChange(ctx context.Context, tx *sql.Tx, c domain.AssignmentChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment_history(assignment_id,field,old_value,new_value,actor_id,ts) VALUES (?,?,?,?,?,?)`,
		c.AssignmentID, c.Field, nullable(c.OldValue), nullable(c.NewValue), c.ActorID, c.TS)
	return err
}

func (r Repo) ListAssignmentHistory(ctx context.Context, assignmentID string) ([]domain.AssignmentChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assignment_id,field,old_value,new_value,actor_id,ts FROM assignment_history WHERE assignment_id=? ORDER BY id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentChange
	for rows.Next() {
		var c domain.AssignmentChange
		var oldV, newV sql.NullString
		if err := rows.Scan(&c.ID, &c.AssignmentID, &c.Field, &oldV, &newV, &c.ActorID, &c.TS); err != nil {
			return nil, err
		}
		if oldV.Valid {
			c.OldValue = oldV.String
		}
		if newV.Valid {
			c.NewValue = newV.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var cycleID sql.NullInt64
	var phaseID, versionID, assignee, due, completedAt, completedBy sql.NullString
	var approvedAt, approvedBy, escalated, delegated, notes sql.NullString
	err := row.Scan(&a.ID, &a.Type, &cycleID, &phaseID, &versionID, &a.FromRole, &a.ToRole,
		&assignee, &a.Status, &due, &completedAt, &completedBy, &approvedAt, &approvedBy,
		&escalated, &delegated, &notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if cycleID.Valid {
		v := cycleID.Int64
		a.CycleID = &v
	}
	a.PhaseID = strPtr(phaseID)
	a.VersionID = strPtr(versionID)
	a.AssigneeID = strPtr(assignee)
	a.DueDate = strPtr(due)
	a.CompletedAt = strPtr(completedAt)
	a.CompletedBy = strPtr(completedBy)
	a.ApprovedAt = strPtr(approvedAt)
	a.ApprovedBy = strPtr(approvedBy)
	a.EscalatedTo = strPtr(escalated)
	a.DelegatedTo = strPtr(delegated)
	a.Notes = strPtr(notes)
	return a, nil
}
