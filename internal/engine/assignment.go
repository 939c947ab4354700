package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"veriflow/internal/audit"
	"veriflow/internal/domain"
)

// AssignmentCreateOptions are parameters for handing a task between roles.
type AssignmentCreateOptions struct {
	Type       string
	CycleID    int64
	PhaseID    string
	VersionID  string
	FromRole   string
	ToRole     string
	AssigneeID string
	DueDate    string
	Notes      string
	ActorID    string
}

// CreateAssignment records a role-to-role handoff, optionally anchored to a
// phase or version.
func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	if opts.Type == "" {
		return domain.Assignment{}, errors.New("assignment type is required")
	}
	if opts.FromRole == "" || opts.ToRole == "" {
		return domain.Assignment{}, errors.New("from_role and to_role are required")
	}
	if opts.PhaseID != "" {
		p, err := e.Repo.GetPhase(ctx, opts.PhaseID)
		if err != nil {
			return domain.Assignment{}, err
		}
		if opts.CycleID == 0 {
			opts.CycleID = p.CycleID
		}
	}
	if opts.VersionID != "" {
		if _, err := e.Repo.GetVersion(ctx, opts.VersionID); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := e.authorize(ctx, opts.CycleID, opts.ActorID, "assignment.create"); err != nil {
		return domain.Assignment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	a := domain.Assignment{
		ID:        uuid.NewString(),
		Type:      opts.Type,
		FromRole:  opts.FromRole,
		ToRole:    opts.ToRole,
		Status:    domain.AssignmentAssigned,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.CycleID != 0 {
		a.CycleID = &opts.CycleID
	}
	if opts.PhaseID != "" {
		a.PhaseID = &opts.PhaseID
	}
	if opts.VersionID != "" {
		a.VersionID = &opts.VersionID
	}
	if opts.AssigneeID != "" {
		a.AssigneeID = &opts.AssigneeID
		if err := e.Repo.EnsureUser(ctx, tx, opts.AssigneeID, now); err != nil {
			return domain.Assignment{}, err
		}
	}
	if opts.DueDate != "" {
		a.DueDate = &opts.DueDate
	}
	if opts.Notes != "" {
		a.Notes = &opts.Notes
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.recordAssignmentChange(ctx, tx, a.ID, "status", "", a.Status, opts.ActorID, now); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Audit.Append(ctx, tx, "assignment.create", opts.CycleID, "assignment", a.ID, opts.ActorID, audit.EventPayload{
		"type": a.Type, "to_role": a.ToRole,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := commit("assignment.create", tx); err != nil {
		return domain.Assignment{}, err
	}
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, a.ToRole, "assignment_created", map[string]any{"assignment_id": a.ID, "type": a.Type})
	}
	return a, nil
}

// ensureAssignmentTransition validates assignment status changes.
func ensureAssignmentTransition(a domain.Assignment, next string) error {
	invalid := func() error {
		return InvalidStateError{Entity: "assignment", ID: a.ID, Current: a.Status, Requested: next}
	}
	terminal := map[string]bool{
		domain.AssignmentApproved:  true,
		domain.AssignmentRejected:  true,
		domain.AssignmentCancelled: true,
	}
	if terminal[a.Status] {
		return invalid()
	}
	switch next {
	case domain.AssignmentAcknowledged:
		if a.Status != domain.AssignmentAssigned {
			return invalid()
		}
	case domain.AssignmentInProgress:
		switch a.Status {
		case domain.AssignmentAssigned, domain.AssignmentAcknowledged, domain.AssignmentOnHold,
			domain.AssignmentOverdue, domain.AssignmentEscalated, domain.AssignmentDelegated:
		default:
			return invalid()
		}
	case domain.AssignmentCompleted:
		switch a.Status {
		case domain.AssignmentInProgress, domain.AssignmentOverdue, domain.AssignmentEscalated:
		default:
			return invalid()
		}
	case domain.AssignmentApproved, domain.AssignmentRejected:
		if a.Status != domain.AssignmentCompleted {
			return invalid()
		}
	case domain.AssignmentOnHold, domain.AssignmentOverdue, domain.AssignmentEscalated,
		domain.AssignmentDelegated, domain.AssignmentCancelled:
		// reachable from any non-terminal status
	default:
		return fmt.Errorf("unknown assignment status %s", next)
	}
	return nil
}

// AssignmentUpdateOptions are parameters for an assignment state change.
type AssignmentUpdateOptions struct {
	AssignmentID string
	Status       string
	EscalatedTo  string
	DelegatedTo  string
	Notes        string
	ActorID      string
}

// UpdateAssignment applies a status change and mirrors every changed field
// into the append-only history, the basis of cycle-time metrics.
func (e Engine) UpdateAssignment(ctx context.Context, opts AssignmentUpdateOptions) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	cycleID := int64(0)
	if a.CycleID != nil {
		cycleID = *a.CycleID
	}
	if err := e.authorize(ctx, cycleID, opts.ActorID, "assignment.update"); err != nil {
		return domain.Assignment{}, err
	}
	if opts.Status == a.Status {
		return a, nil
	}
	if err := ensureAssignmentTransition(a, opts.Status); err != nil {
		return domain.Assignment{}, err
	}
	if opts.Status == domain.AssignmentEscalated && opts.EscalatedTo == "" {
		return domain.Assignment{}, errors.New("escalated_to is required")
	}
	if opts.Status == domain.AssignmentDelegated && opts.DelegatedTo == "" {
		return domain.Assignment{}, errors.New("delegated_to is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	before := a
	a.Status = opts.Status
	a.UpdatedAt = now
	switch opts.Status {
	case domain.AssignmentCompleted:
		a.CompletedAt = &now
		a.CompletedBy = &opts.ActorID
	case domain.AssignmentApproved:
		a.ApprovedAt = &now
		a.ApprovedBy = &opts.ActorID
	case domain.AssignmentEscalated:
		a.EscalatedTo = &opts.EscalatedTo
	case domain.AssignmentDelegated:
		a.DelegatedTo = &opts.DelegatedTo
		a.AssigneeID = &opts.DelegatedTo
	}
	if opts.Notes != "" {
		a.Notes = &opts.Notes
	}
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	for _, ch := range assignmentDiff(before, a) {
		if err := e.recordAssignmentChange(ctx, tx, a.ID, ch.Field, ch.OldValue, ch.NewValue, opts.ActorID, now); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "assignment.update", cycleID, "assignment", a.ID, opts.ActorID, audit.EventPayload{
		"from": before.Status, "to": a.Status,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := commit("assignment.update", tx); err != nil {
		return domain.Assignment{}, err
	}
	if e.Notifier != nil && (a.Status == domain.AssignmentEscalated || a.Status == domain.AssignmentDelegated) {
		e.Notifier.Notify(ctx, a.ToRole, "assignment_"+a.Status, map[string]any{"assignment_id": a.ID})
	}
	return a, nil
}

type fieldChange struct {
	Field    string
	OldValue string
	NewValue string
}

func assignmentDiff(before, after domain.Assignment) []fieldChange {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	var changes []fieldChange
	add := func(field, oldV, newV string) {
		if oldV != newV {
			changes = append(changes, fieldChange{Field: field, OldValue: oldV, NewValue: newV})
		}
	}
	add("status", before.Status, after.Status)
	add("assignee_id", deref(before.AssigneeID), deref(after.AssigneeID))
	add("completed_at", deref(before.CompletedAt), deref(after.CompletedAt))
	add("completed_by", deref(before.CompletedBy), deref(after.CompletedBy))
	add("approved_at", deref(before.ApprovedAt), deref(after.ApprovedAt))
	add("approved_by", deref(before.ApprovedBy), deref(after.ApprovedBy))
	add("escalated_to", deref(before.EscalatedTo), deref(after.EscalatedTo))
	add("delegated_to", deref(before.DelegatedTo), deref(after.DelegatedTo))
	add("notes", deref(before.Notes), deref(after.Notes))
	return changes
}

func (e Engine) recordAssignmentChange(ctx context.Context, tx *sql.Tx, assignmentID, field, oldV, newV, actorID, ts string) error {
	return e.Repo.InsertAssignmentChange(ctx, tx, domain.AssignmentChange{
		AssignmentID: assignmentID,
		Field:        field,
		OldValue:     oldV,
		NewValue:     newV,
		ActorID:      actorID,
		TS:           ts,
	})
}
