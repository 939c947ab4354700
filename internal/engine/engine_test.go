package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/migrate"
	"veriflow/internal/notify"
	"veriflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(4)
	eng := engine.New(conn, cfg)
	eng.Notifier = notify.Discard{}
	// Monday, so business-hours windows behave like calendar windows
	// until a test crosses a weekend on purpose.
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, 4, "ccar-2026", "", "lead-1"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	if _, err := eng.AddReport(ctx, 4, 21, "FR Y-9C", "capital", "owner-1", "lead-1"); err != nil {
		t.Fatalf("add report: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env testEnv) initPhase(t *testing.T, name string) (domain.Phase, []domain.Activity) {
	t.Helper()
	p, acts, err := env.Engine.InitializePhase(env.Ctx, 4, 21, name, "tester-1")
	if err != nil {
		t.Fatalf("init phase %s: %v", name, err)
	}
	return p, acts
}

// completeActivities walks activities in order, running each incomplete one
// through IN_PROGRESS to COMPLETED. Dependencies only point backward in the
// default workflow, so order suffices.
func (env testEnv) completeActivities(t *testing.T, acts []domain.Activity) {
	t.Helper()
	for _, a := range acts {
		if a.Status == domain.ActivitySkipped || a.Status == domain.ActivityCompleted {
			continue
		}
		if _, err := env.Engine.AdvanceActivity(env.Ctx, a.ID, domain.ActivityInProgress, "", "tester-1"); err != nil {
			t.Fatalf("start %s: %v", a.Name, err)
		}
		if _, err := env.Engine.AdvanceActivity(env.Ctx, a.ID, domain.ActivityCompleted, "", "tester-1"); err != nil {
			t.Fatalf("complete %s: %v", a.Name, err)
		}
	}
}

// submitItems opens a draft with n items and submits it.
func (env testEnv) submitItems(t *testing.T, phaseID string, n int) (domain.Version, []domain.Item) {
	t.Helper()
	v, err := env.Engine.OpenVersion(env.Ctx, engine.OpenVersionOptions{PhaseID: phaseID, ActorID: "tester-1"})
	if err != nil {
		t.Fatalf("open version: %v", err)
	}
	var items []domain.Item
	for i := 0; i < n; i++ {
		it, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{
			VersionID:   v.ID,
			PayloadJSON: `{"attribute":"tier1_capital"}`,
			ActorID:     "tester-1",
		})
		if err != nil {
			t.Fatalf("add item %d: %v", i, err)
		}
		items = append(items, it)
	}
	v, err = env.Engine.SubmitVersion(env.Ctx, v.ID, "tester-1", "")
	if err != nil {
		t.Fatalf("submit version: %v", err)
	}
	return v, items
}

// approveAll records accept and approve on every item, then resolves.
func (env testEnv) approveAll(t *testing.T, v domain.Version, items []domain.Item) domain.Version {
	t.Helper()
	for _, it := range items {
		if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
			ItemID: it.ID, Role: "tester", Decision: "accept", ActorID: "tester-1",
		}); err != nil {
			t.Fatalf("tester accept: %v", err)
		}
		if _, err := env.Engine.RecordItemDecision(env.Ctx, engine.DecisionOptions{
			ItemID: it.ID, Role: "report_owner", Decision: "approve", ActorID: "owner-1",
		}); err != nil {
			t.Fatalf("owner approve: %v", err)
		}
	}
	v, err := env.Engine.ResolveVersion(env.Ctx, v.ID, "tester-1")
	if err != nil {
		t.Fatalf("resolve version: %v", err)
	}
	return v
}

func TestInitCycleDuplicate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitCycle(env.Ctx, 4, "again", "", "lead-1")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAddReportDuplicate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddReport(env.Ctx, 4, 21, "FR Y-9C", "", "owner-1", "lead-1")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDataSourceValidation(t *testing.T) {
	env := newTestEnv(t)
	src, err := env.Engine.RegisterDataSource(env.Ctx, 4, 21, "warehouse", "wh://capital", "lead-1")
	if err != nil {
		t.Fatalf("register source: %v", err)
	}
	if src.Validated {
		t.Fatalf("new source should not be validated")
	}
	src, err = env.Engine.ValidateDataSource(env.Ctx, src.ID, "lead-1")
	if err != nil {
		t.Fatalf("validate source: %v", err)
	}
	if !src.Validated || src.ValidatedBy == nil || *src.ValidatedBy != "lead-1" {
		t.Fatalf("expected validated source, got %+v", src)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "tester-1", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if raw == "" || key.KeyHash == raw {
		t.Fatalf("raw key must differ from stored hash")
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.UserID != "tester-1" {
		t.Fatalf("expected tester-1, got %s", got.UserID)
	}
}
