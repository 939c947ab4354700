package engine_test

import (
	"errors"
	"testing"

	"veriflow/internal/domain"
	"veriflow/internal/engine"
)

func TestCreateAssignmentValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		CycleID: 4, FromRole: "tester", ToRole: "report_owner", ActorID: "tester-1",
	}); err == nil {
		t.Fatalf("missing type must fail")
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		Type: "version_review", CycleID: 4, ToRole: "report_owner", ActorID: "tester-1",
	}); err == nil {
		t.Fatalf("missing from_role must fail")
	}
}

func TestAssignmentAnchoredToPhase(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		Type:     "phase_work",
		PhaseID:  p.ID,
		FromRole: "tester_lead", ToRole: "tester",
		AssigneeID: "tester-2",
		ActorID:    "lead-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AssignmentAssigned {
		t.Fatalf("status %s", a.Status)
	}
	if a.CycleID == nil || *a.CycleID != 4 {
		t.Fatalf("cycle id should backfill from the phase, got %v", a.CycleID)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		Type: "version_review", CycleID: 4,
		FromRole: "tester", ToRole: "report_owner",
		AssigneeID: "owner-1", ActorID: "tester-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// approved is only reachable through completed
	_, err = env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentApproved, ActorID: "owner-1",
	})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	for _, next := range []string{
		domain.AssignmentAcknowledged,
		domain.AssignmentInProgress,
		domain.AssignmentCompleted,
		domain.AssignmentApproved,
	} {
		a, err = env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
			AssignmentID: a.ID, Status: next, ActorID: "owner-1",
		})
		if err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	if a.ApprovedAt == nil || a.ApprovedBy == nil {
		t.Fatalf("approval stamps missing: %+v", a)
	}

	// terminal states are immutable
	if _, err := env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentInProgress, ActorID: "owner-1",
	}); err == nil {
		t.Fatalf("approved assignment must not move")
	}

	history, err := env.Engine.Repo.ListAssignmentHistory(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	// creation plus four transitions, plus the stamp fields written on
	// completion and approval
	statusChanges := 0
	for _, ch := range history {
		if ch.Field == "status" {
			statusChanges++
		}
	}
	if statusChanges != 5 {
		t.Fatalf("expected 5 status history rows, got %d (%d total)", statusChanges, len(history))
	}
}

func TestAssignmentEscalationAndDelegation(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		Type: "evidence_request", CycleID: 4,
		FromRole: "tester", ToRole: "report_owner",
		AssigneeID: "owner-1", ActorID: "tester-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentEscalated, ActorID: "tester-1",
	}); err == nil {
		t.Fatalf("escalation without a target must fail")
	}
	a, err = env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentEscalated, EscalatedTo: "compliance-mgr-1", ActorID: "tester-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.EscalatedTo == nil || *a.EscalatedTo != "compliance-mgr-1" {
		t.Fatalf("escalated_to %v", a.EscalatedTo)
	}

	if _, err := env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentDelegated, ActorID: "owner-1",
	}); err == nil {
		t.Fatalf("delegation without a target must fail")
	}
	a, err = env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentDelegated, DelegatedTo: "owner-2", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.AssigneeID == nil || *a.AssigneeID != "owner-2" {
		t.Fatalf("delegation should reassign, assignee %v", a.AssigneeID)
	}

	// delegated work can resume
	if _, err := env.Engine.UpdateAssignment(env.Ctx, engine.AssignmentUpdateOptions{
		AssignmentID: a.ID, Status: domain.AssignmentInProgress, ActorID: "owner-2",
	}); err != nil {
		t.Fatal(err)
	}
}
