package engine_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/repo"
)

func TestTwoStageReviewSettlesVersion(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, items := env.submitItems(t, p.ID, 3)
	if v.Status != domain.VersionPendingApproval || v.PendingCount != 3 {
		t.Fatalf("submitted version %s pending=%d", v.Status, v.PendingCount)
	}

	// item 0: full approval path
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
	}); err != nil {
		t.Fatal(err)
	}
	it0, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "report_owner", Decision: "approve", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if it0.FinalStatus != domain.ItemApproved {
		t.Fatalf("item0 final %s", it0.FinalStatus)
	}

	// item 1: tester rejection is final, no owner review needed
	it1, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[1].ID, Role: "tester", Decision: "reject", Notes: "stale source", ActorID: "tester-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if it1.FinalStatus != domain.ItemRejected {
		t.Fatalf("item1 final %s", it1.FinalStatus)
	}

	// item 2: tester accepted, owner still out
	it2, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[2].ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if it2.FinalStatus != domain.ItemPendingOwner {
		t.Fatalf("item2 final %s", it2.FinalStatus)
	}

	// a pending item holds the version open even with a rejection present
	v, err = env.Engine.ResolveVersion(env.Ctx, v.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != domain.VersionPendingApproval {
		t.Fatalf("expected pending_approval, got %s", v.Status)
	}
	if v.ApprovedCount != 1 || v.RejectedCount != 1 || v.PendingCount != 1 {
		t.Fatalf("counters %d/%d/%d", v.ApprovedCount, v.RejectedCount, v.PendingCount)
	}

	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[2].ID, Role: "report_owner", Decision: "approve", ActorID: "owner-1",
	}); err != nil {
		t.Fatal(err)
	}
	v, err = env.Engine.ResolveVersion(env.Ctx, v.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != domain.VersionRejected {
		t.Fatalf("expected rejected, got %s", v.Status)
	}
	if v.ApprovedCount != 2 || v.RejectedCount != 1 {
		t.Fatalf("counters %d/%d", v.ApprovedCount, v.RejectedCount)
	}
	if v.RejectionReason == nil {
		t.Fatalf("rejected version should carry a rejection summary")
	}

	// terminal resolve is a no-op
	again, err := env.Engine.ResolveVersion(env.Ctx, v.ID, "tester-1")
	if err != nil || again.Status != domain.VersionRejected {
		t.Fatalf("re-resolve: %v %s", err, again.Status)
	}
}

func TestSingleOpenVersionPerPhase(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	if _, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOpenVersionConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")

	// sqlite may report the db busy under write contention; retry those and
	// settle on either the opened version or the conflict
	open := func() error {
		for attempt := 0; attempt < 50; attempt++ {
			_, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"})
			var transient engine.TransientError
			if errors.As(err, &transient) || repo.IsBusy(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		return fmt.Errorf("still contended after retries")
	}

	begin := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-begin
			results <- open()
		}()
	}
	close(begin)

	var opened, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			opened++
			continue
		}
		var conflict engine.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		conflicts++
	}
	if opened != 1 || conflicts != 1 {
		t.Fatalf("opened=%d conflicts=%d", opened, conflicts)
	}
}

func TestOpenVersionOnUnversionedPhase(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "finalization")
	_, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestSubmitEmptyVersion(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitVersion(env.Ctx, v.ID, "tester-1", "")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestResolveDraftRejected(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: p.ID, ActorID: "tester-1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveVersion(env.Ctx, v.ID, "tester-1")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCarryForwardCopiesOnlyRejectedItems(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v1, items := env.submitItems(t, p.ID, 2)

	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "report_owner", Decision: "approve", ActorID: "owner-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[1].ID, Role: "tester", Decision: "reject", ActorID: "tester-1",
	}); err != nil {
		t.Fatal(err)
	}
	v1, err := env.Engine.ResolveVersion(env.Ctx, v1.ID, "tester-1")
	if err != nil || v1.Status != domain.VersionRejected {
		t.Fatalf("resolve v1: %v %s", err, v1.Status)
	}

	v2, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{
		PhaseID: p.ID, ActorID: "tester-1", CarryForward: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("version number %d", v2.VersionNumber)
	}
	if v2.ParentVersionID == nil || *v2.ParentVersionID != v1.ID {
		t.Fatalf("parent = %v, want %s", v2.ParentVersionID, v1.ID)
	}
	if v2.TotalCount != 1 || v2.PendingCount != 1 {
		t.Fatalf("carried counts %d/%d", v2.TotalCount, v2.PendingCount)
	}
	carried, err := env.Engine.Repo.ListItems(env.Ctx, v2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(carried) != 1 {
		t.Fatalf("carried %d items", len(carried))
	}
	c := carried[0]
	if c.CarriedFromID == nil || *c.CarriedFromID != items[1].ID {
		t.Fatalf("carried_from = %v", c.CarriedFromID)
	}
	if c.TesterDecision != nil || c.OwnerDecision != nil || c.FinalStatus != domain.ItemPending {
		t.Fatalf("carried item should start clean: %+v", c)
	}
}

func TestApprovalSupersedesPrior(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v1, items1 := env.submitItems(t, p.ID, 1)
	v1 = env.approveAll(t, v1, items1)
	if v1.Status != domain.VersionApproved {
		t.Fatalf("v1 %s", v1.Status)
	}

	v2, items2 := env.submitItems(t, p.ID, 1)
	if v2.ParentVersionID == nil || *v2.ParentVersionID != v1.ID {
		t.Fatalf("v2 parent %v", v2.ParentVersionID)
	}
	v2 = env.approveAll(t, v2, items2)
	if v2.Status != domain.VersionApproved {
		t.Fatalf("v2 %s", v2.Status)
	}

	v1, err := env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Status != domain.VersionSuperseded {
		t.Fatalf("v1 should be superseded, got %s", v1.Status)
	}

	lineage, err := env.Engine.GetLineage(env.Ctx, v2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 2 || lineage[0].ID != v2.ID || lineage[1].ID != v1.ID {
		t.Fatalf("lineage %+v", lineage)
	}
}

func TestDecisionVocabularyAndOverrides(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	_, items := env.submitItems(t, p.ID, 1)
	it := items[0]

	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "tester", Decision: "approve", ActorID: "tester-1",
	}); err == nil {
		t.Fatalf("approve is not tester vocabulary")
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "report_owner", Decision: "accept", ActorID: "owner-1",
	}); err == nil {
		t.Fatalf("accept is not owner vocabulary")
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "tester", Decision: "override", ActorID: "lead-1",
	}); err == nil {
		t.Fatalf("override without reason must fail")
	}
	got, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "tester", Decision: "override", OverrideReason: "documented exception", ActorID: "lead-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.FinalStatus != domain.ItemApproved {
		t.Fatalf("override final %s", got.FinalStatus)
	}
	if got.OverrideReason == nil || *got.OverrideReason != "documented exception" {
		t.Fatalf("override reason %v", got.OverrideReason)
	}
}

func TestResolveAuditsOverrideApprovals(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, items := env.submitItems(t, p.ID, 2)

	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "report_owner", Decision: "approve", ActorID: "owner-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[1].ID, Role: "tester", Decision: "override", OverrideReason: "documented exception", ActorID: "lead-1",
	}); err != nil {
		t.Fatal(err)
	}

	v, err := env.Engine.ResolveVersion(env.Ctx, v.ID, "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != domain.VersionApproved {
		t.Fatalf("v %s", v.Status)
	}

	events, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, 4, "version.approve", "version", v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("%d version.approve events", len(events))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(events[0].Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if n, ok := payload["override_approvals"].(float64); !ok || n != 1 {
		t.Fatalf("override_approvals = %v", payload["override_approvals"])
	}
}

func TestDecisionOnApprovedVersion(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, items := env.submitItems(t, p.ID, 1)
	v = env.approveAll(t, v, items)
	if v.Status != domain.VersionApproved {
		t.Fatalf("v %s", v.Status)
	}
	_, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: items[0].ID, Role: "tester", Decision: "reject", ActorID: "tester-1",
	})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestReviseItemClearsDecisions(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	_, items := env.submitItems(t, p.ID, 1)
	it := items[0]

	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
		ItemID: it.ID, Role: "report_owner", Decision: "needs_revision", Notes: "wrong population", ActorID: "owner-1",
	}); err != nil {
		t.Fatal(err)
	}

	revised, err := env.Engine.ReviseItem(env.Ctx, it.ID, `{"attribute":"tier1_capital","population":"corrected"}`, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if revised.Revision != 1 {
		t.Fatalf("revision %d", revised.Revision)
	}
	if revised.TesterDecision != nil || revised.OwnerDecision != nil {
		t.Fatalf("decisions should be cleared")
	}
	if revised.FinalStatus != domain.ItemPending {
		t.Fatalf("final %s", revised.FinalStatus)
	}
}

func TestAddItemOnSubmittedVersion(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")
	v, _ := env.submitItems(t, p.ID, 1)
	_, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{
		VersionID: v.ID, PayloadJSON: `{}`, ActorID: "tester-1",
	})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
