package engine_test

import (
	"errors"
	"testing"

	"veriflow/internal/domain"
	"veriflow/internal/engine"
)

func TestInitializePhaseFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "planning")
	if p.State != domain.PhaseNotStarted || p.ScheduleStatus != domain.ScheduleOnTrack {
		t.Fatalf("fresh phase %s/%s", p.State, p.ScheduleStatus)
	}
	if len(acts) != 2 {
		t.Fatalf("planning has %d activities", len(acts))
	}
	if acts[0].Name != "define_attributes" || acts[1].Name != "review_attributes" {
		t.Fatalf("activity order %s, %s", acts[0].Name, acts[1].Name)
	}
	if len(acts[1].DependsOn) != 1 || acts[1].DependsOn[0] != "define_attributes" {
		t.Fatalf("review dependency %v", acts[1].DependsOn)
	}

	_, _, err := env.Engine.InitializePhase(env.Ctx, 4, 21, "planning", "tester-1")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on re-init, got %v", err)
	}
}

func TestInitializePhaseUnknownName(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.InitializePhase(env.Ctx, 4, 21, "daydreaming", "tester-1"); err == nil {
		t.Fatalf("expected unknown phase error")
	}
}

func TestUploadSkippedWhenSourceConfigured(t *testing.T) {
	env := newTestEnv(t)
	src, err := env.Engine.RegisterDataSource(env.Ctx, 4, 21, "warehouse", "wh://capital", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ValidateDataSource(env.Ctx, src.ID, "lead-1"); err != nil {
		t.Fatal(err)
	}

	p, acts := env.initPhase(t, "evidence")
	var upload *domain.Activity
	for i := range acts {
		if acts[i].Name == "upload_files" {
			upload = &acts[i]
		}
	}
	if upload == nil {
		t.Fatalf("evidence phase has no upload_files activity")
	}
	if upload.Status != domain.ActivitySkipped || upload.CompletionPct != 100 {
		t.Fatalf("upload %s/%d", upload.Status, upload.CompletionPct)
	}
	if p.ProgressPct != 100/len(acts) {
		t.Fatalf("progress %d", p.ProgressPct)
	}
}

func TestUploadNotSkippedWithoutValidation(t *testing.T) {
	env := newTestEnv(t)
	// registered but never validated
	if _, err := env.Engine.RegisterDataSource(env.Ctx, 4, 21, "warehouse", "wh://capital", "lead-1"); err != nil {
		t.Fatal(err)
	}
	_, acts := env.initPhase(t, "evidence")
	for _, a := range acts {
		if a.Name == "upload_files" && a.Status != domain.ActivityNotStarted {
			t.Fatalf("upload should stay NOT_STARTED, got %s", a.Status)
		}
	}
}

func TestActivityTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, acts := env.initPhase(t, "planning")
	define := acts[0]

	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityCompleted, "", "tester-1"); err == nil {
		t.Fatalf("NOT_STARTED to COMPLETED must fail")
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityBlocked, "", "tester-1"); err == nil {
		t.Fatalf("BLOCKED without reason must fail")
	}
	blocked, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityBlocked, "waiting on extract", "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if blocked.BlockingReason == nil || *blocked.BlockingReason != "waiting on extract" {
		t.Fatalf("blocking reason %v", blocked.BlockingReason)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityCompleted, "", "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletionPct != 100 {
		t.Fatalf("completion %d", done.CompletionPct)
	}

	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityRevisionRequested, "", "owner-1"); err == nil {
		t.Fatalf("revision request without reason must fail")
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityRevisionRequested, "definitions too broad", "owner-1"); err != nil {
		t.Fatal(err)
	}
	retried, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityInProgress, "", "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("retry count %d", retried.RetryCount)
	}
}

func TestActivityDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	_, acts := env.initPhase(t, "planning")
	define, review := acts[0], acts[1]

	// starting out of order is allowed, completing is not
	if _, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivityCompleted, "", "tester-1")
	var dep engine.DependencyNotSatisfiedError
	if !errors.As(err, &dep) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(dep.Unmet) != 1 || dep.Unmet[0] != "define_attributes" {
		t.Fatalf("unmet %v", dep.Unmet)
	}

	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityCompleted, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivityCompleted, "", "tester-1"); err != nil {
		t.Fatalf("complete after dependency done: %v", err)
	}
}

func TestFirstActivityStartsPhaseClock(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "planning")
	if _, err := env.Engine.AdvanceActivity(env.Ctx, acts[0].ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != domain.PhaseInProgress {
		t.Fatalf("phase %s", p.State)
	}
	if p.ActualStart == nil || p.SLADeadline == nil {
		t.Fatalf("start=%v deadline=%v", p.ActualStart, p.SLADeadline)
	}
	vios, err := env.Engine.Repo.ListViolations(env.Ctx, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(vios) != 1 || vios[0].UnitID != p.ID || vios[0].WarningDate == nil {
		t.Fatalf("violations %+v", vios)
	}
}

func TestCompletePhaseRequiresApprovedVersion(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "planning")
	env.completeActivities(t, acts)

	_, err := env.Engine.CompletePhase(env.Ctx, p.ID, "tester-1")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected no-approved-version error, got %v", err)
	}

	v, items := env.submitItems(t, p.ID, 1)
	// an open version also blocks completion
	if _, err := env.Engine.CompletePhase(env.Ctx, p.ID, "tester-1"); err == nil {
		t.Fatalf("open version should block completion")
	}
	env.approveAll(t, v, items)

	done, err := env.Engine.CompletePhase(env.Ctx, p.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if done.State != domain.PhaseComplete || done.ActualEnd == nil {
		t.Fatalf("completed phase %+v", done)
	}
	vios, err := env.Engine.Repo.ListViolations(env.Ctx, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(vios) != 0 {
		t.Fatalf("completion should resolve the phase violation, %d open", len(vios))
	}
}

func TestCompletePhaseBlockedByOpenActivity(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "planning")
	if _, err := env.Engine.AdvanceActivity(env.Ctx, acts[0].ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompletePhase(env.Ctx, p.ID, "tester-1")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCompleteUnversionedPhase(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "finalization")
	var signOff domain.Activity
	for _, a := range acts {
		switch a.Name {
		case "sign_off":
			signOff = a
		case "archive_artifacts":
			if !a.Optional {
				t.Fatalf("archive_artifacts should be optional")
			}
		}
	}
	if !signOff.Manual {
		t.Fatalf("sign_off should be manual")
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, signOff.ID, domain.ActivityInProgress, "", "lead-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, signOff.ID, domain.ActivityCompleted, "", "lead-1"); err != nil {
		t.Fatal(err)
	}
	// optional activity left NOT_STARTED does not block
	done, err := env.Engine.CompletePhase(env.Ctx, p.ID, "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if done.State != domain.PhaseComplete {
		t.Fatalf("phase %s", done.State)
	}
}

func TestResetPhaseActivities(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "planning")
	env.completeActivities(t, acts)

	if err := env.Engine.ResetPhaseActivities(env.Ctx, p.ID, "", "lead-1"); err == nil {
		t.Fatalf("reset without reason must fail")
	}
	if err := env.Engine.ResetPhaseActivities(env.Ctx, p.ID, "restarting after scope change", "lead-1"); err != nil {
		t.Fatal(err)
	}
	fresh, err := env.Engine.Repo.ListActivities(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range fresh {
		if a.Status != domain.ActivityNotStarted || a.RetryCount != 0 || a.CompletionPct != 0 {
			t.Fatalf("activity %s not reset: %+v", a.Name, a)
		}
	}
}

func TestBlockAndSkipBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	_, acts := env.initPhase(t, "planning")
	define, review := acts[0], acts[1]

	if _, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityBlocked, "", "tester-1"); err == nil {
		t.Fatalf("BLOCKED without reason must fail")
	}
	blocked, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivityBlocked, "source system outage", "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != domain.ActivityBlocked {
		t.Fatalf("status %s", blocked.Status)
	}

	// a blocked activity can be abandoned outright
	skipped, err := env.Engine.AdvanceActivity(env.Ctx, define.ID, domain.ActivitySkipped, "descoped this cycle", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if skipped.Status != domain.ActivitySkipped || skipped.CompletionPct != 100 {
		t.Fatalf("skipped %s/%d", skipped.Status, skipped.CompletionPct)
	}

	// in-flight work can be skipped too
	if _, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivitySkipped, "covered by attribute sign-off", "lead-1"); err != nil {
		t.Fatal(err)
	}

	// skipped is terminal
	if _, err := env.Engine.AdvanceActivity(env.Ctx, review.ID, domain.ActivityBlocked, "late issue", "tester-1"); err == nil {
		t.Fatalf("BLOCKED from SKIPPED must fail")
	}
}

func TestResetRecreatesActivitiesFromTemplates(t *testing.T) {
	env := newTestEnv(t)
	p, acts := env.initPhase(t, "evidence")
	orig := make(map[string]string, len(acts))
	for _, a := range acts {
		orig[a.Name] = a.ID
		if a.Name == "upload_files" && a.Status != domain.ActivityNotStarted {
			t.Fatalf("upload should start NOT_STARTED, got %s", a.Status)
		}
	}

	// a source validated after init is honored by the auto-skip on reset
	src, err := env.Engine.RegisterDataSource(env.Ctx, 4, 21, "warehouse", "wh://capital", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ValidateDataSource(env.Ctx, src.ID, "lead-1"); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.ResetPhaseActivities(env.Ctx, p.ID, "rebuilding evidence plan", "lead-1"); err != nil {
		t.Fatal(err)
	}
	fresh, err := env.Engine.Repo.ListActivities(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != len(acts) {
		t.Fatalf("reset produced %d activities, want %d", len(fresh), len(acts))
	}
	for _, a := range fresh {
		if a.ID == orig[a.Name] {
			t.Fatalf("activity %s kept its old row", a.Name)
		}
		switch a.Name {
		case "upload_files":
			if a.Status != domain.ActivitySkipped || a.CompletionPct != 100 {
				t.Fatalf("upload after reset %s/%d", a.Status, a.CompletionPct)
			}
		default:
			if a.Status != domain.ActivityNotStarted {
				t.Fatalf("activity %s is %s after reset", a.Name, a.Status)
			}
		}
	}
	got, err := env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProgressPct != 100/len(fresh) {
		t.Fatalf("progress %d", got.ProgressPct)
	}
}

func TestOverridePhaseState(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.initPhase(t, "planning")

	if _, err := env.Engine.OverridePhaseState(env.Ctx, p.ID, domain.PhaseComplete, "", "lead-1"); err == nil {
		t.Fatalf("override without reason must fail")
	}
	forced, err := env.Engine.OverridePhaseState(env.Ctx, p.ID, domain.PhaseComplete, "regulator deadline", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if forced.State != domain.PhaseComplete {
		t.Fatalf("state %s", forced.State)
	}
	if forced.OverrideReason == nil || forced.OverrideBy == nil {
		t.Fatalf("override audit fields missing: %+v", forced)
	}

	risky, err := env.Engine.OverrideScheduleStatus(env.Ctx, p.ID, domain.ScheduleAtRisk, "vendor delay", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if risky.ScheduleStatus != domain.ScheduleAtRisk {
		t.Fatalf("schedule %s", risky.ScheduleStatus)
	}
}
