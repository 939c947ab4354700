package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"veriflow/internal/domain"
)

const phaseCols = `id,cycle_id,report_id,name,phase_order,state,schedule_status,planned_start,planned_end,actual_start,actual_end,sla_deadline,sla_breached,progress_pct,override_reason,override_by,override_at,created_at,updated_at`

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CycleID, p.ReportID, p.Name, p.PhaseOrder, p.State, p.ScheduleStatus,
		nullableStringPtr(p.PlannedStart), nullableStringPtr(p.PlannedEnd),
		nullableStringPtr(p.ActualStart), nullableStringPtr(p.ActualEnd),
		nullableStringPtr(p.SLADeadline), boolToInt(p.SLABreached), p.ProgressPct,
		nullableStringPtr(p.OverrideReason), nullableStringPtr(p.OverrideBy), nullableStringPtr(p.OverrideAt),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhase(row)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhase(row)
}

func (r Repo) GetPhaseByName(ctx context.Context, cycleID, reportID int64, name string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND report_id=? AND name=?`, cycleID, reportID, name)
	return scanPhase(row)
}

func (r Repo) ListPhases(ctx context.Context, cycleID, reportID int64) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND report_id=? ORDER BY phase_order ASC`, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListOpenPhases returns phases that have started but not completed, for SLA
// evaluation.
func (r Repo) ListOpenPhases(ctx context.Context, cycleID int64) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND state=? ORDER BY report_id, phase_order`, cycleID, domain.PhaseInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET state=?, schedule_status=?, planned_start=?, planned_end=?, actual_start=?, actual_end=?, sla_deadline=?, sla_breached=?, progress_pct=?, override_reason=?, override_by=?, override_at=?, updated_at=? WHERE id=?`,
		p.State, p.ScheduleStatus,
		nullableStringPtr(p.PlannedStart), nullableStringPtr(p.PlannedEnd),
		nullableStringPtr(p.ActualStart), nullableStringPtr(p.ActualEnd),
		nullableStringPtr(p.SLADeadline), boolToInt(p.SLABreached), p.ProgressPct,
		nullableStringPtr(p.OverrideReason), nullableStringPtr(p.OverrideBy), nullableStringPtr(p.OverrideAt),
		p.UpdatedAt, p.ID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhase(row rowScanner) (domain.Phase, error) {
	var p domain.Phase
	var plannedStart, plannedEnd, actualStart, actualEnd, deadline sql.NullString
	var overrideReason, overrideBy, overrideAt sql.NullString
	var breached int
	err := row.Scan(&p.ID, &p.CycleID, &p.ReportID, &p.Name, &p.PhaseOrder, &p.State, &p.ScheduleStatus,
		&plannedStart, &plannedEnd, &actualStart, &actualEnd, &deadline, &breached, &p.ProgressPct,
		&overrideReason, &overrideBy, &overrideAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.PlannedStart = strPtr(plannedStart)
	p.PlannedEnd = strPtr(plannedEnd)
	p.ActualStart = strPtr(actualStart)
	p.ActualEnd = strPtr(actualEnd)
	p.SLADeadline = strPtr(deadline)
	p.SLABreached = breached != 0
	p.OverrideReason = strPtr(overrideReason)
	p.OverrideBy = strPtr(overrideBy)
	p.OverrideAt = strPtr(overrideAt)
	return p, nil
}

const activityCols = `id,phase_id,name,activity_order,status,manual,optional,depends_on_json,blocking_reason,retry_count,completion_pct,created_at,updated_at`

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	deps, err := json.Marshal(a.DependsOn)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activities(`+activityCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PhaseID, a.Name, a.ActivityOrder, a.Status, boolToInt(a.Manual), boolToInt(a.Optional),
		string(deps), nullableStringPtr(a.BlockingReason), a.RetryCount, a.CompletionPct, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id)
	return scanActivity(row)
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id)
	return scanActivity(row)
}

func (r Repo) GetActivityByName(ctx context.Context, phaseID, name string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE phase_id=? AND name=?`, phaseID, name)
	return scanActivity(row)
}

func (r Repo) ListActivities(ctx context.Context, phaseID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityCols+` FROM activities WHERE phase_id=? ORDER BY activity_order ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func (r Repo) ListActivitiesTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Activity, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+activityCols+` FROM activities WHERE phase_id=? ORDER BY activity_order ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]domain.Activity, error) {
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteActivitiesTx(ctx context.Context, tx *sql.Tx, phaseID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE phase_id=?`, phaseID)
	return err
}

func (r Repo) UpdateActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, blocking_reason=?, retry_count=?, completion_pct=?, updated_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.BlockingReason), a.RetryCount, a.CompletionPct, a.UpdatedAt, a.ID)
	return err
}

func scanActivity(row rowScanner) (domain.Activity, error) {
	var a domain.Activity
	var manual, optional int
	var deps, reason sql.NullString
	err := row.Scan(&a.ID, &a.PhaseID, &a.Name, &a.ActivityOrder, &a.Status, &manual, &optional,
		&deps, &reason, &a.RetryCount, &a.CompletionPct, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Manual = manual != 0
	a.Optional = optional != 0
	a.BlockingReason = strPtr(reason)
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &a.DependsOn); err != nil {
			return a, err
		}
	}
	return a, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
