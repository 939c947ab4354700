package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"veriflow/internal/audit"
	"veriflow/internal/domain"
	"veriflow/internal/repo"
)

// OpenVersionOptions are parameters for opening a working version.
type OpenVersionOptions struct {
	PhaseID string
	ActorID string
	// CarryForward copies the parent version's rejected items into the new
	// version with decisions cleared, for rework.
	CarryForward bool
}

// OpenVersion creates the next numbered draft version for a phase. At most
// one draft or pending_approval version may exist per phase; a concurrent
// second caller loses the race on the partial unique index and gets a
// conflict.
func (e Engine) OpenVersion(ctx context.Context, opts OpenVersionOptions) (domain.Version, error) {
	p, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if p.State == domain.PhaseComplete {
		return domain.Version{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: p.State, Requested: "open version"}
	}
	cfg, err := e.cycleConfig(ctx, p.CycleID)
	if err != nil {
		return domain.Version{}, err
	}
	tpl, ok := cfg.Phase(p.Name)
	if !ok || !tpl.Versioned {
		return domain.Version{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: "unversioned", Requested: "open version"}
	}
	if err := e.authorize(ctx, p.CycleID, opts.ActorID, "version.open"); err != nil {
		return domain.Version{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.OpenVersionTx(ctx, tx, p.ID); err == nil {
		return domain.Version{}, ConflictError{Entity: "open version", Key: "phase " + p.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}

	maxNum, err := e.Repo.MaxVersionNumberTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Version{}, err
	}
	var parent *domain.Version
	if maxNum > 0 {
		versions, err := e.listVersionsTx(ctx, tx, p.ID)
		if err != nil {
			return domain.Version{}, err
		}
		// parent is the most recent approved version, falling back to the
		// most recent version of any status
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Status == domain.VersionApproved {
				v := versions[i]
				parent = &v
				break
			}
		}
		if parent == nil {
			v := versions[len(versions)-1]
			parent = &v
		}
	}

	now := e.nowRFC3339()
	v := domain.Version{
		ID:            uuid.NewString(),
		PhaseID:       p.ID,
		VersionNumber: maxNum + 1,
		Status:        domain.VersionDraft,
		ItemKind:      tpl.ItemKind,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
	}
	if parent != nil {
		v.ParentVersionID = &parent.ID
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Version{}, ConflictError{Entity: "open version", Key: "phase " + p.ID}
		}
		return domain.Version{}, fmt.Errorf("insert version: %w", err)
	}

	if opts.CarryForward && parent != nil {
		parentItems, err := e.Repo.ListItemsTx(ctx, tx, parent.ID)
		if err != nil {
			return domain.Version{}, err
		}
		carried := 0
		for _, src := range parentItems {
			if src.FinalStatus != domain.ItemRejected {
				continue
			}
			srcID := src.ID
			it := domain.Item{
				ID:            uuid.NewString(),
				VersionID:     v.ID,
				Kind:          src.Kind,
				PayloadJSON:   src.PayloadJSON,
				CarriedFromID: &srcID,
				FileRef:       src.FileRef,
				FileSHA256:    src.FileSHA256,
				FinalStatus:   domain.ItemPending,
				CreatedBy:     opts.ActorID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
				return domain.Version{}, err
			}
			carried++
		}
		if carried > 0 {
			applyCounts(&v, counts{Total: carried, Pending: carried})
			if err := e.Repo.UpdateVersion(ctx, tx, v); err != nil {
				return domain.Version{}, err
			}
		}
	}

	payload := audit.EventPayload{"version_number": v.VersionNumber}
	if parent != nil {
		payload["parent_version_id"] = parent.ID
	}
	if err := e.Audit.Append(ctx, tx, "version.open", p.CycleID, "version", v.ID, opts.ActorID, payload); err != nil {
		return domain.Version{}, err
	}
	if err := commit("version.open", tx); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

func (e Engine) listVersionsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Version, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, version_status FROM versions WHERE phase_id=? ORDER BY version_number ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		var v domain.Version
		if err := rows.Scan(&v.ID, &v.Status); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// AddItemOptions are parameters for adding an item to a draft version.
type AddItemOptions struct {
	VersionID   string
	PayloadJSON string
	FileRef     string
	FileSHA256  string
	ActorID     string
}

// AddItem appends a domain item to a draft version. Advisory
// recommendations are attached if a provider is configured; they never
// affect resolution.
func (e Engine) AddItem(ctx context.Context, opts AddItemOptions) (domain.Item, error) {
	v, err := e.Repo.GetVersion(ctx, opts.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	if v.Status != domain.VersionDraft {
		return domain.Item{}, InvalidStateError{Entity: "version", ID: v.ID, Current: v.Status, Requested: "add item"}
	}
	p, err := e.Repo.GetPhase(ctx, v.PhaseID)
	if err != nil {
		return domain.Item{}, err
	}
	if err := e.authorize(ctx, p.CycleID, opts.ActorID, "item.add"); err != nil {
		return domain.Item{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	it := domain.Item{
		ID:          uuid.NewString(),
		VersionID:   v.ID,
		Kind:        v.ItemKind,
		PayloadJSON: opts.PayloadJSON,
		FinalStatus: domain.ItemPending,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.FileRef != "" {
		it.FileRef = &opts.FileRef
	}
	if opts.FileSHA256 != "" {
		it.FileSHA256 = &opts.FileSHA256
	}
	if e.Recs != nil {
		if rec, conf, ok := e.Recs.Recommend(it.Kind, it.PayloadJSON); ok {
			it.Recommendation = &rec
			it.Confidence = &conf
		}
	}
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.recomputeVersionCountsTx(ctx, tx, v.ID); err != nil {
		return domain.Item{}, err
	}
	if err := e.Audit.Append(ctx, tx, "item.add", p.CycleID, "item", it.ID, opts.ActorID, audit.EventPayload{"version_id": v.ID, "kind": it.Kind}); err != nil {
		return domain.Item{}, err
	}
	if err := commit("item.add", tx); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// SubmitVersion moves a draft with at least one item to pending_approval.
func (e Engine) SubmitVersion(ctx context.Context, versionID, actorID, notes string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if v.Status != domain.VersionDraft {
		return domain.Version{}, InvalidStateError{Entity: "version", ID: v.ID, Current: v.Status, Requested: domain.VersionPendingApproval}
	}
	p, err := e.Repo.GetPhase(ctx, v.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "version.submit"); err != nil {
		return domain.Version{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	items, err := e.Repo.ListItemsTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Version{}, err
	}
	if len(items) == 0 {
		return domain.Version{}, InvalidStateError{Entity: "version", ID: v.ID, Current: "empty", Requested: domain.VersionPendingApproval}
	}

	now := e.nowRFC3339()
	v.Status = domain.VersionPendingApproval
	v.SubmittedBy = &actorID
	v.SubmittedAt = &now
	if notes != "" {
		v.SubmissionNotes = &notes
	}
	applyCounts(&v, countItems(items))
	if err := e.Repo.UpdateVersion(ctx, tx, v); err != nil {
		return domain.Version{}, err
	}
	if err := e.Audit.Append(ctx, tx, "version.submit", p.CycleID, "version", v.ID, actorID, audit.EventPayload{
		"version_number": v.VersionNumber, "items": len(items),
	}); err != nil {
		return domain.Version{}, err
	}
	if err := commit("version.submit", tx); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// DecisionOptions are parameters for recording a review decision on an
// item.
type DecisionOptions struct {
	ItemID         string
	Role           string // tester or report_owner
	Decision       string
	Notes          string
	OverrideReason string
	ActorID        string
}

// RecordItemDecision writes one role's decision slot and re-derives the
// item's final status and the version counters. Re-recording an identical
// decision is a no-op.
func (e Engine) RecordItemDecision(ctx context.Context, opts DecisionOptions) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, opts.ItemID)
	if err != nil {
		return domain.Item{}, err
	}
	v, err := e.Repo.GetVersion(ctx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	if v.Status == domain.VersionApproved || v.Status == domain.VersionSuperseded {
		return domain.Item{}, InvalidStateError{Entity: "version", ID: v.ID, Current: v.Status, Requested: "record decision"}
	}
	p, err := e.Repo.GetPhase(ctx, v.PhaseID)
	if err != nil {
		return domain.Item{}, err
	}

	var perm, evtType string
	switch opts.Role {
	case "tester":
		perm, evtType = "item.decide.tester", "item.tester_decision"
		switch opts.Decision {
		case domain.TesterAccept, domain.TesterReject, domain.TesterOverride:
		default:
			return domain.Item{}, fmt.Errorf("unknown tester decision %s", opts.Decision)
		}
	case "report_owner":
		perm, evtType = "item.decide.owner", "item.owner_decision"
		switch opts.Decision {
		case domain.OwnerApprove, domain.OwnerReject, domain.OwnerNeedsRevision, domain.OwnerOverride:
		default:
			return domain.Item{}, fmt.Errorf("unknown report owner decision %s", opts.Decision)
		}
	default:
		return domain.Item{}, fmt.Errorf("unknown review role %s", opts.Role)
	}
	isOverride := opts.Decision == domain.TesterOverride || opts.Decision == domain.OwnerOverride
	if isOverride && opts.OverrideReason == "" {
		return domain.Item{}, errors.New("override_reason is required for override decisions")
	}
	if err := e.authorize(ctx, p.CycleID, opts.ActorID, perm); err != nil {
		return domain.Item{}, err
	}

	prev := func(d *string) string {
		if d == nil {
			return ""
		}
		return *d
	}
	if opts.Role == "tester" && prev(it.TesterDecision) == opts.Decision {
		return it, nil
	}
	if opts.Role == "report_owner" && prev(it.OwnerDecision) == opts.Decision {
		return it, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	switch opts.Role {
	case "tester":
		it.TesterDecision = &opts.Decision
		it.TesterDecidedBy = &opts.ActorID
		it.TesterDecidedAt = &now
		it.TesterNotes = nil
		if opts.Notes != "" {
			it.TesterNotes = &opts.Notes
		}
	case "report_owner":
		it.OwnerDecision = &opts.Decision
		it.OwnerDecidedBy = &opts.ActorID
		it.OwnerDecidedAt = &now
		it.OwnerNotes = nil
		if opts.Notes != "" {
			it.OwnerNotes = &opts.Notes
		}
	}
	if isOverride {
		it.OverrideReason = &opts.OverrideReason
	}
	it.FinalStatus = finalStatus(it)
	it.UpdatedAt = now
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.recomputeVersionCountsTx(ctx, tx, v.ID); err != nil {
		return domain.Item{}, err
	}
	payload := audit.EventPayload{"decision": opts.Decision, "final_status": it.FinalStatus}
	if isOverride {
		evtType = "item.override"
		payload["override_reason"] = opts.OverrideReason
	}
	if err := e.Audit.Append(ctx, tx, evtType, p.CycleID, "item", it.ID, opts.ActorID, payload); err != nil {
		return domain.Item{}, err
	}
	if err := commit(evtType, tx); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// ReviseItem edits an item after an owner rejection, clearing both decision
// slots and bumping the revision counter. This is the one legal item
// mutation after decisions have been recorded, and only while the owning
// version is still open.
func (e Engine) ReviseItem(ctx context.Context, itemID, newPayloadJSON, actorID string) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	v, err := e.Repo.GetVersion(ctx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	if v.Status != domain.VersionDraft && v.Status != domain.VersionPendingApproval {
		return domain.Item{}, InvalidStateError{Entity: "version", ID: v.ID, Current: v.Status, Requested: "revise item"}
	}
	p, err := e.Repo.GetPhase(ctx, v.PhaseID)
	if err != nil {
		return domain.Item{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "item.revise"); err != nil {
		return domain.Item{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if newPayloadJSON != "" {
		it.PayloadJSON = newPayloadJSON
	}
	it.TesterDecision = nil
	it.TesterNotes = nil
	it.TesterDecidedBy = nil
	it.TesterDecidedAt = nil
	it.OwnerDecision = nil
	it.OwnerNotes = nil
	it.OwnerDecidedBy = nil
	it.OwnerDecidedAt = nil
	it.OverrideReason = nil
	it.Revision++
	it.FinalStatus = domain.ItemPending
	it.UpdatedAt = now
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.recomputeVersionCountsTx(ctx, tx, v.ID); err != nil {
		return domain.Item{}, err
	}
	if err := e.Audit.Append(ctx, tx, "item.revise", p.CycleID, "item", it.ID, actorID, audit.EventPayload{"revision": it.Revision}); err != nil {
		return domain.Item{}, err
	}
	if err := commit("item.revise", tx); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// ResolveVersion recomputes aggregates from a fresh item read and settles
// the version: approved when every item is approved, rejected when any item
// is rejected without an override, unchanged while items are still
// pending. Idempotent and a no-op on terminal versions.
func (e Engine) ResolveVersion(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	switch v.Status {
	case domain.VersionApproved, domain.VersionRejected, domain.VersionSuperseded:
		return v, nil
	case domain.VersionDraft:
		return domain.Version{}, InvalidStateError{Entity: "version", ID: v.ID, Current: v.Status, Requested: "resolve"}
	}
	p, err := e.Repo.GetPhase(ctx, v.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "version.resolve"); err != nil {
		return domain.Version{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	items, err := e.Repo.ListItemsTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Version{}, err
	}
	c := countItems(items)
	applyCounts(&v, c)
	overrides := 0
	for _, it := range items {
		if it.FinalStatus == domain.ItemApproved && isOverridden(it) {
			overrides++
		}
	}
	now := e.nowRFC3339()

	var evtType string
	switch {
	case c.Rejected > 0 && c.Pending == 0:
		v.Status = domain.VersionRejected
		reason := rejectionSummary(items)
		v.RejectionReason = &reason
		evtType = "version.reject"
	case c.Rejected == 0 && c.Pending == 0 && c.Total > 0:
		v.Status = domain.VersionApproved
		v.ApprovedBy = &actorID
		v.ApprovedAt = &now
		evtType = "version.approve"
		if err := e.supersedePriorTx(ctx, tx, v); err != nil {
			return domain.Version{}, err
		}
	default:
		// unresolved items remain; counters refresh but status holds
		evtType = "version.resolve"
	}
	if err := e.Repo.UpdateVersion(ctx, tx, v); err != nil {
		return domain.Version{}, err
	}
	payload := audit.EventPayload{
		"status": v.Status, "approved": c.Approved, "rejected": c.Rejected, "pending": c.Pending,
	}
	if overrides > 0 {
		payload["override_approvals"] = overrides
	}
	if err := e.Audit.Append(ctx, tx, evtType, p.CycleID, "version", v.ID, actorID, payload); err != nil {
		return domain.Version{}, err
	}
	if err := commit(evtType, tx); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// supersedePriorTx marks the previously approved version of the phase as
// superseded.
func (e Engine) supersedePriorTx(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET version_status=? WHERE phase_id=? AND version_status=? AND id<>?`,
		domain.VersionSuperseded, v.PhaseID, domain.VersionApproved, v.ID)
	return err
}

// rejectionSummary aggregates per-item rejection notes into one reason.
func rejectionSummary(items []domain.Item) string {
	var parts []string
	for i, it := range items {
		if it.FinalStatus != domain.ItemRejected {
			continue
		}
		note := ""
		if it.TesterDecision != nil && *it.TesterDecision == domain.TesterReject && it.TesterNotes != nil {
			note = *it.TesterNotes
		} else if it.OwnerNotes != nil {
			note = *it.OwnerNotes
		}
		if note == "" {
			parts = append(parts, fmt.Sprintf("item %d rejected", i+1))
		} else {
			parts = append(parts, fmt.Sprintf("item %d: %s", i+1, note))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// recomputeVersionCountsTx refreshes a version's aggregate counters from
// its items inside the caller's transaction, so a decision write and the
// counters it affects commit together.
func (e Engine) recomputeVersionCountsTx(ctx context.Context, tx *sql.Tx, versionID string) error {
	items, err := e.Repo.ListItemsTx(ctx, tx, versionID)
	if err != nil {
		return err
	}
	c := countItems(items)
	_, err = tx.ExecContext(ctx, `UPDATE versions SET total_count=?, approved_count=?, rejected_count=?, pending_count=? WHERE id=?`,
		c.Total, c.Approved, c.Rejected, c.Pending, versionID)
	return err
}

// GetLineage walks parent links from a version back to the root, newest
// first. A revisited node means corrupted lineage and aborts with a data
// integrity failure.
func (e Engine) GetLineage(ctx context.Context, versionID string) ([]domain.Version, error) {
	var chain []domain.Version
	seen := map[string]bool{}
	id := versionID
	for id != "" {
		if seen[id] {
			return nil, DataIntegrityError{Entity: "version", ID: versionID, Detail: "lineage cycle through " + id}
		}
		seen[id] = true
		v, err := e.Repo.GetVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
		if v.ParentVersionID == nil {
			break
		}
		id = *v.ParentVersionID
	}
	return chain, nil
}
