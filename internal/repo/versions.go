package repo

import (
	"context"
	"database/sql"

	"veriflow/internal/domain"
)

const versionCols = `id,phase_id,version_number,version_status,parent_version_id,item_kind,total_count,approved_count,rejected_count,pending_count,submitted_by,submitted_at,submission_notes,approved_by,approved_at,rejection_reason,created_by,created_at`

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(`+versionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.PhaseID, v.VersionNumber, v.Status, nullableStringPtr(v.ParentVersionID), v.ItemKind,
		v.TotalCount, v.ApprovedCount, v.RejectedCount, v.PendingCount,
		nullableStringPtr(v.SubmittedBy), nullableStringPtr(v.SubmittedAt), nullableStringPtr(v.SubmissionNotes),
		nullableStringPtr(v.ApprovedBy), nullableStringPtr(v.ApprovedAt), nullableStringPtr(v.RejectionReason),
		v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id)
	return scanVersion(row)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id)
	return scanVersion(row)
}

// OpenVersionTx returns the single draft or pending_approval version of a
// phase, if one exists.
func (r Repo) OpenVersionTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND version_status IN (?,?)`,
		phaseID, domain.VersionDraft, domain.VersionPendingApproval)
	return scanVersion(row)
}

func (r Repo) OpenVersion(ctx context.Context, phaseID string) (domain.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND version_status IN (?,?)`,
		phaseID, domain.VersionDraft, domain.VersionPendingApproval)
	return scanVersion(row)
}

// LatestApprovedVersion returns the highest-numbered approved version of a
// phase.
func (r Repo) LatestApprovedVersion(ctx context.Context, phaseID string) (domain.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND version_status=? ORDER BY version_number DESC LIMIT 1`,
		phaseID, domain.VersionApproved)
	return scanVersion(row)
}

// MaxVersionNumberTx returns the highest version number used in a phase, 0
// when none exist.
func (r Repo) MaxVersionNumberTx(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0) FROM versions WHERE phase_id=?`, phaseID).Scan(&n)
	return n, err
}

func (r Repo) ListVersions(ctx context.Context, phaseID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? ORDER BY version_number ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) UpdateVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET version_status=?, total_count=?, approved_count=?, rejected_count=?, pending_count=?, submitted_by=?, submitted_at=?, submission_notes=?, approved_by=?, approved_at=?, rejection_reason=? WHERE id=?`,
		v.Status, v.TotalCount, v.ApprovedCount, v.RejectedCount, v.PendingCount,
		nullableStringPtr(v.SubmittedBy), nullableStringPtr(v.SubmittedAt), nullableStringPtr(v.SubmissionNotes),
		nullableStringPtr(v.ApprovedBy), nullableStringPtr(v.ApprovedAt), nullableStringPtr(v.RejectionReason),
		v.ID)
	return err
}

func scanVersion(row rowScanner) (domain.Version, error) {
	var v domain.Version
	var parent, subBy, subAt, subNotes, apprBy, apprAt, rejReason sql.NullString
	err := row.Scan(&v.ID, &v.PhaseID, &v.VersionNumber, &v.Status, &parent, &v.ItemKind,
		&v.TotalCount, &v.ApprovedCount, &v.RejectedCount, &v.PendingCount,
		&subBy, &subAt, &subNotes, &apprBy, &apprAt, &rejReason, &v.CreatedBy, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ParentVersionID = strPtr(parent)
	v.SubmittedBy = strPtr(subBy)
	v.SubmittedAt = strPtr(subAt)
	v.SubmissionNotes = strPtr(subNotes)
	v.ApprovedBy = strPtr(apprBy)
	v.ApprovedAt = strPtr(apprAt)
	v.RejectionReason = strPtr(rejReason)
	return v, nil
}

const itemCols = `id,version_id,kind,payload_json,carried_from_item_id,revision,file_ref,file_sha256,llm_recommendation,llm_confidence,tester_decision,tester_notes,tester_decided_by,tester_decided_at,owner_decision,owner_notes,owner_decided_by,owner_decided_at,override_reason,final_status,created_by,created_at,updated_at`

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO version_items(`+itemCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.VersionID, it.Kind, nullable(it.PayloadJSON), nullableStringPtr(it.CarriedFromID), it.Revision,
		nullableStringPtr(it.FileRef), nullableStringPtr(it.FileSHA256),
		nullableStringPtr(it.Recommendation), nullableFloatPtr(it.Confidence),
		nullableStringPtr(it.TesterDecision), nullableStringPtr(it.TesterNotes),
		nullableStringPtr(it.TesterDecidedBy), nullableStringPtr(it.TesterDecidedAt),
		nullableStringPtr(it.OwnerDecision), nullableStringPtr(it.OwnerNotes),
		nullableStringPtr(it.OwnerDecidedBy), nullableStringPtr(it.OwnerDecidedAt),
		nullableStringPtr(it.OverrideReason), it.FinalStatus, it.CreatedBy, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM version_items WHERE id=?`, id)
	return scanItem(row)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM version_items WHERE id=?`, id)
	return scanItem(row)
}

func (r Repo) ListItems(ctx context.Context, versionID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemCols+` FROM version_items WHERE version_id=? ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, versionID string) ([]domain.Item, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemCols+` FROM version_items WHERE version_id=? ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.Item, error) {
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `UPDATE version_items SET payload_json=?, revision=?, file_ref=?, file_sha256=?, llm_recommendation=?, llm_confidence=?, tester_decision=?, tester_notes=?, tester_decided_by=?, tester_decided_at=?, owner_decision=?, owner_notes=?, owner_decided_by=?, owner_decided_at=?, override_reason=?, final_status=?, updated_at=? WHERE id=?`,
		nullable(it.PayloadJSON), it.Revision,
		nullableStringPtr(it.FileRef), nullableStringPtr(it.FileSHA256),
		nullableStringPtr(it.Recommendation), nullableFloatPtr(it.Confidence),
		nullableStringPtr(it.TesterDecision), nullableStringPtr(it.TesterNotes),
		nullableStringPtr(it.TesterDecidedBy), nullableStringPtr(it.TesterDecidedAt),
		nullableStringPtr(it.OwnerDecision), nullableStringPtr(it.OwnerNotes),
		nullableStringPtr(it.OwnerDecidedBy), nullableStringPtr(it.OwnerDecidedAt),
		nullableStringPtr(it.OverrideReason), it.FinalStatus, it.UpdatedAt, it.ID)
	return err
}

func scanItem(row rowScanner) (domain.Item, error) {
	var it domain.Item
	var payload sql.NullString
	var carried, fileRef, fileSHA, rec sql.NullString
	var conf sql.NullFloat64
	var tDec, tNotes, tBy, tAt, oDec, oNotes, oBy, oAt, override sql.NullString
	err := row.Scan(&it.ID, &it.VersionID, &it.Kind, &payload, &carried, &it.Revision,
		&fileRef, &fileSHA, &rec, &conf,
		&tDec, &tNotes, &tBy, &tAt, &oDec, &oNotes, &oBy, &oAt,
		&override, &it.FinalStatus, &it.CreatedBy, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if payload.Valid {
		it.PayloadJSON = payload.String
	}
	it.CarriedFromID = strPtr(carried)
	it.FileRef = strPtr(fileRef)
	it.FileSHA256 = strPtr(fileSHA)
	it.Recommendation = strPtr(rec)
	if conf.Valid {
		c := conf.Float64
		it.Confidence = &c
	}
	it.TesterDecision = strPtr(tDec)
	it.TesterNotes = strPtr(tNotes)
	it.TesterDecidedBy = strPtr(tBy)
	it.TesterDecidedAt = strPtr(tAt)
	it.OwnerDecision = strPtr(oDec)
	it.OwnerNotes = strPtr(oNotes)
	it.OwnerDecidedBy = strPtr(oBy)
	it.OwnerDecidedAt = strPtr(oAt)
	it.OverrideReason = strPtr(override)
	return it, nil
}
