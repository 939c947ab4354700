package repo

import (
	"context"
	"database/sql"

	"veriflow/internal/domain"
)

const violationCols = `id,unit_kind,unit_id,cycle_id,started_at,due_date,warning_date,warned_at,violated_at,violation_hours,escalation_level,last_escalated_at,is_resolved,resolved_at,resolved_by,resolution_notes`

func (r Repo) InsertViolation(ctx context.Context, tx *sql.Tx, v domain.Violation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sla_violations(`+violationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.UnitKind, v.UnitID, v.CycleID, v.StartedAt, v.DueDate,
		nullableStringPtr(v.WarningDate), nullableStringPtr(v.WarnedAt), nullableStringPtr(v.ViolatedAt), nullableFloatPtr(v.ViolationHours),
		v.EscalationLevel, nullableStringPtr(v.LastEscalatedAt), boolToInt(v.IsResolved),
		nullableStringPtr(v.ResolvedAt), nullableStringPtr(v.ResolvedBy), nullableStringPtr(v.ResolutionNotes))
	return err
}

func (r Repo) GetViolation(ctx context.Context, id string) (domain.Violation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+violationCols+` FROM sla_violations WHERE id=?`, id)
	return scanViolation(row)
}

func (r Repo) GetViolationByUnit(ctx context.Context, unitKind, unitID string) (domain.Violation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+violationCols+` FROM sla_violations WHERE unit_kind=? AND unit_id=?`, unitKind, unitID)
	return scanViolation(row)
}

func (r Repo) GetViolationByUnitTx(ctx context.Context, tx *sql.Tx, unitKind, unitID string) (domain.Violation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+violationCols+` FROM sla_violations WHERE unit_kind=? AND unit_id=?`, unitKind, unitID)
	return scanViolation(row)
}

func (r Repo) ListViolations(ctx context.Context, cycleID int64, unresolvedOnly bool) ([]domain.Violation, error) {
	query := `SELECT ` + violationCols + ` FROM sla_violations WHERE cycle_id=?`
	args := []any{cycleID}
	if unresolvedOnly {
		query += ` AND is_resolved=0`
	}
	query += ` ORDER BY due_date ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) UpdateViolation(ctx context.Context, tx *sql.Tx, v domain.Violation) error {
	_, err := tx.ExecContext(ctx, `UPDATE sla_violations SET due_date=?, warning_date=?, warned_at=?, violated_at=?, violation_hours=?, escalation_level=?, last_escalated_at=?, is_resolved=?, resolved_at=?, resolved_by=?, resolution_notes=? WHERE id=?`,
		v.DueDate, nullableStringPtr(v.WarningDate), nullableStringPtr(v.WarnedAt), nullableStringPtr(v.ViolatedAt), nullableFloatPtr(v.ViolationHours),
		v.EscalationLevel, nullableStringPtr(v.LastEscalatedAt), boolToInt(v.IsResolved),
		nullableStringPtr(v.ResolvedAt), nullableStringPtr(v.ResolvedBy), nullableStringPtr(v.ResolutionNotes),
		v.ID)
	return err
}

func scanViolation(row rowScanner) (domain.Violation, error) {
	var v domain.Violation
	var warning, warnedAt, violatedAt, lastEsc, resolvedAt, resolvedBy, notes sql.NullString
	var hours sql.NullFloat64
	var resolved int
	err := row.Scan(&v.ID, &v.UnitKind, &v.UnitID, &v.CycleID, &v.StartedAt, &v.DueDate,
		&warning, &warnedAt, &violatedAt, &hours, &v.EscalationLevel, &lastEsc, &resolved,
		&resolvedAt, &resolvedBy, &notes)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.WarningDate = strPtr(warning)
	v.WarnedAt = strPtr(warnedAt)
	v.ViolatedAt = strPtr(violatedAt)
	if hours.Valid {
		h := hours.Float64
		v.ViolationHours = &h
	}
	v.LastEscalatedAt = strPtr(lastEsc)
	v.IsResolved = resolved != 0
	v.ResolvedAt = strPtr(resolvedAt)
	v.ResolvedBy = strPtr(resolvedBy)
	v.ResolutionNotes = strPtr(notes)
	return v, nil
}

const dataSourceCols = `id,cycle_id,report_id,source_type,connection_ref,validated,validated_by,validated_at,created_at`

func (r Repo) InsertDataSource(ctx context.Context, tx *sql.Tx, s domain.DataSource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO data_sources(`+dataSourceCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CycleID, s.ReportID, s.SourceType, nullable(s.ConnectionRef),
		boolToInt(s.Validated), nullableStringPtr(s.ValidatedBy), nullableStringPtr(s.ValidatedAt), s.CreatedAt)
	return err
}

func (r Repo) GetDataSource(ctx context.Context, id string) (domain.DataSource, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dataSourceCols+` FROM data_sources WHERE id=?`, id)
	return scanDataSource(row)
}

func (r Repo) ListDataSources(ctx context.Context, cycleID, reportID int64) ([]domain.DataSource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+dataSourceCols+` FROM data_sources WHERE cycle_id=? AND report_id=? ORDER BY created_at`, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataSource
	for rows.Next() {
		s, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// HasValidatedSourceTx reports whether any validated data source exists for
// the report. Drives the upload_files auto-skip.
func (r Repo) HasValidatedSourceTx(ctx context.Context, tx *sql.Tx, cycleID, reportID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM data_sources WHERE cycle_id=? AND report_id=? AND validated=1`, cycleID, reportID).Scan(&n)
	return n > 0, err
}

func (r Repo) UpdateDataSource(ctx context.Context, tx *sql.Tx, s domain.DataSource) error {
	_, err := tx.ExecContext(ctx, `UPDATE data_sources SET connection_ref=?, validated=?, validated_by=?, validated_at=? WHERE id=?`,
		nullable(s.ConnectionRef), boolToInt(s.Validated), nullableStringPtr(s.ValidatedBy), nullableStringPtr(s.ValidatedAt), s.ID)
	return err
}

func scanDataSource(row rowScanner) (domain.DataSource, error) {
	var s domain.DataSource
	var connRef, valBy, valAt sql.NullString
	var validated int
	err := row.Scan(&s.ID, &s.CycleID, &s.ReportID, &s.SourceType, &connRef, &validated, &valBy, &valAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if connRef.Valid {
		s.ConnectionRef = connRef.String
	}
	s.Validated = validated != 0
	s.ValidatedBy = strPtr(valBy)
	s.ValidatedAt = strPtr(valAt)
	return s, nil
}
