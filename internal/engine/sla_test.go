package engine_test

import (
	"testing"
	"time"

	"veriflow/internal/domain"
)

// startPlanning initializes the planning phase and starts its first
// activity, arming the 120h SLA with a 24h warning window.
func startPlanning(t *testing.T, env testEnv) domain.Phase {
	t.Helper()
	p, acts := env.initPhase(t, "planning")
	if _, err := env.Engine.AdvanceActivity(env.Ctx, acts[0].ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEvaluateSLAQuietInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	startPlanning(t, env)
	env.advance(48 * time.Hour)
	rep, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Evaluated != 1 || rep.Warned != 0 || rep.Breached != 0 || rep.Escalated != 0 {
		t.Fatalf("report %+v", rep)
	}
}

func TestEvaluateSLAWarning(t *testing.T) {
	env := newTestEnv(t)
	p := startPlanning(t, env)
	// inside the 24h warning window, before the 120h deadline
	env.advance(100 * time.Hour)
	rep, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Warned != 1 || rep.Breached != 0 {
		t.Fatalf("report %+v", rep)
	}
	p, err = env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ScheduleStatus != domain.ScheduleAtRisk {
		t.Fatalf("schedule %s", p.ScheduleStatus)
	}
	if p.SLABreached {
		t.Fatalf("warning must not flag a breach")
	}
}

func TestEvaluateSLAWarningFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	p := startPlanning(t, env)
	env.advance(100 * time.Hour)
	rep, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Warned != 1 {
		t.Fatalf("first tick %+v", rep)
	}
	v, err := env.Engine.Repo.GetViolationByUnit(env.Ctx, "phase", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.WarnedAt == nil {
		t.Fatalf("warning not recorded on violation")
	}

	// still inside the window on the next tick; no repeat warning
	env.advance(10 * time.Hour)
	rep, err = env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Warned != 0 {
		t.Fatalf("second tick re-warned: %+v", rep)
	}
	events, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 50, 0, 4, "sla.warning", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("%d sla.warning events, want 1", len(events))
	}
}

func TestEvaluateSLABreachAndEscalation(t *testing.T) {
	env := newTestEnv(t)
	p := startPlanning(t, env)
	env.advance(121 * time.Hour)
	rep, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Breached != 1 {
		t.Fatalf("report %+v", rep)
	}
	p, err = env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ScheduleStatus != domain.SchedulePastDue || !p.SLABreached {
		t.Fatalf("phase %s breached=%v", p.ScheduleStatus, p.SLABreached)
	}
	vios, err := env.Engine.Repo.ListViolations(env.Ctx, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(vios) != 1 {
		t.Fatalf("%d violations", len(vios))
	}
	v := vios[0]
	if v.EscalationLevel != 1 || v.ViolatedAt == nil || v.ViolationHours == nil {
		t.Fatalf("violation %+v", v)
	}

	// same tick again within the escalation interval changes nothing
	rep, err = env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Escalated != 0 {
		t.Fatalf("escalated too early: %+v", rep)
	}

	// escalation climbs one level per elapsed interval, capped at the
	// configured ladder
	for want := 2; want <= 4; want++ {
		env.advance(24 * time.Hour)
		rep, err = env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
		if err != nil {
			t.Fatal(err)
		}
		if rep.Escalated != 1 {
			t.Fatalf("level %d: report %+v", want, rep)
		}
		v, err = env.Engine.Repo.GetViolation(env.Ctx, v.ID)
		if err != nil {
			t.Fatal(err)
		}
		if v.EscalationLevel != want {
			t.Fatalf("level %d, want %d", v.EscalationLevel, want)
		}
	}
	env.advance(24 * time.Hour)
	rep, err = env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Escalated != 0 {
		t.Fatalf("escalation past top level: %+v", rep)
	}
}

func TestResolveViolation(t *testing.T) {
	env := newTestEnv(t)
	startPlanning(t, env)
	env.advance(121 * time.Hour)
	if _, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler"); err != nil {
		t.Fatal(err)
	}
	vios, err := env.Engine.Repo.ListViolations(env.Ctx, 4, true)
	if err != nil || len(vios) != 1 {
		t.Fatalf("violations %v %d", err, len(vios))
	}
	v, err := env.Engine.ResolveViolation(env.Ctx, vios[0].ID, "deadline extended by program office", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsResolved || v.ResolvedAt == nil {
		t.Fatalf("violation %+v", v)
	}

	// resolving again is a no-op
	if _, err := env.Engine.ResolveViolation(env.Ctx, v.ID, "", "lead-1"); err != nil {
		t.Fatal(err)
	}

	// resolved violations leave the evaluation set
	env.advance(48 * time.Hour)
	rep, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Evaluated != 0 {
		t.Fatalf("report %+v", rep)
	}
}

func TestWarningNeverDowngradesPastDue(t *testing.T) {
	env := newTestEnv(t)
	p := startPlanning(t, env)
	env.advance(121 * time.Hour)
	if _, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler"); err != nil {
		t.Fatal(err)
	}
	// subsequent ticks keep the phase past_due
	env.advance(time.Hour)
	if _, err := env.Engine.EvaluateSLA(env.Ctx, 4, "scheduler"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ScheduleStatus != domain.SchedulePastDue {
		t.Fatalf("schedule %s", p.ScheduleStatus)
	}
}
