package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veriflow/internal/audit"
	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/engine/authz"
	"veriflow/internal/notify"
	"veriflow/internal/recommend"
	"veriflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Authz    authz.Service
	Notifier notify.Notifier
	Recs     recommend.Provider
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Audit:    audit.Writer{DB: db},
		Config:   cfg,
		Authz:    authz.Service{Repo: r},
		Notifier: notify.LogNotifier{},
		Recs:     recommend.None{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// authorize checks the actor's permission for an action in the cycle.
func (e Engine) authorize(ctx context.Context, cycleID int64, actorID, permission string) error {
	if actorID == "" {
		return PermissionDeniedError{Action: permission}
	}
	ok, err := e.Authz.Allowed(ctx, cycleID, actorID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return PermissionDeniedError{Action: permission}
	}
	return nil
}

// commit wraps sqlite contention on commit as transient so callers can
// retry.
func commit(op string, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if repo.IsBusy(err) {
			return TransientError{Op: op, Err: err}
		}
		return err
	}
	return nil
}

// InitCycle creates a test cycle with its config stored alongside, so later
// phase initialization is deterministic even if veriflow.yml changes.
func (e Engine) InitCycle(ctx context.Context, cycleID int64, name, description, actorID string) (domain.Cycle, error) {
	if e.Config == nil {
		return domain.Cycle{}, errors.New("config not loaded")
	}
	if cycleID == 0 {
		return domain.Cycle{}, errors.New("cycle id is required")
	}
	if name == "" {
		name = fmt.Sprintf("cycle-%d", cycleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c := domain.Cycle{
		ID:          cycleID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertCycle(ctx, tx, c); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Cycle{}, ConflictError{Entity: "cycle", Key: fmt.Sprintf("%d", cycleID)}
		}
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.Repo.UpsertCycleConfigTx(ctx, tx, c.ID, e.Config); err != nil {
		return domain.Cycle{}, fmt.Errorf("store cycle config: %w", err)
	}
	if err := e.Repo.SyncRoles(ctx, tx, e.Config.Authz); err != nil {
		return domain.Cycle{}, fmt.Errorf("sync roles: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "cycle.init", c.ID, "cycle", fmt.Sprintf("%d", c.ID), actorID, audit.EventPayload{"name": c.Name}); err != nil {
		return domain.Cycle{}, err
	}
	if err := commit("cycle.init", tx); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

// AddReport registers a regulatory report in the cycle's scope.
func (e Engine) AddReport(ctx context.Context, cycleID, reportID int64, name, lineOfBusiness, ownerID, actorID string) (domain.Report, error) {
	if name == "" {
		return domain.Report{}, errors.New("report name is required")
	}
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return domain.Report{}, err
	}
	if err := e.authorize(ctx, cycleID, actorID, "cycle.admin"); err != nil {
		return domain.Report{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep := domain.Report{
		ID:             reportID,
		Name:           name,
		LineOfBusiness: lineOfBusiness,
		OwnerID:        ownerID,
		CreatedAt:      e.nowRFC3339(),
	}
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Report{}, ConflictError{Entity: "report", Key: fmt.Sprintf("%d", reportID)}
		}
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if ownerID != "" {
		if err := e.Repo.EnsureUser(ctx, tx, ownerID, rep.CreatedAt); err != nil {
			return domain.Report{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "report.add", cycleID, "report", fmt.Sprintf("%d", reportID), actorID, audit.EventPayload{"name": name}); err != nil {
		return domain.Report{}, err
	}
	if err := commit("report.add", tx); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// RegisterDataSource records a configured source system for a report.
func (e Engine) RegisterDataSource(ctx context.Context, cycleID, reportID int64, sourceType, connectionRef, actorID string) (domain.DataSource, error) {
	if sourceType == "" {
		return domain.DataSource{}, errors.New("source type is required")
	}
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return domain.DataSource{}, err
	}
	if err := e.authorize(ctx, cycleID, actorID, "cycle.admin"); err != nil {
		return domain.DataSource{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DataSource{}, err
	}
	defer tx.Rollback()

	s := domain.DataSource{
		ID:            uuid.NewString(),
		CycleID:       cycleID,
		ReportID:      reportID,
		SourceType:    sourceType,
		ConnectionRef: connectionRef,
		CreatedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertDataSource(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.DataSource{}, ConflictError{Entity: "data source", Key: fmt.Sprintf("report %d %s", reportID, sourceType)}
		}
		return domain.DataSource{}, err
	}
	if err := e.Audit.Append(ctx, tx, "source.register", cycleID, "data_source", s.ID, actorID, audit.EventPayload{"report_id": reportID, "source_type": sourceType}); err != nil {
		return domain.DataSource{}, err
	}
	if err := commit("source.register", tx); err != nil {
		return domain.DataSource{}, err
	}
	return s, nil
}

// ValidateDataSource marks a source's connectivity as verified. Validated
// sources let the evidence phase skip manual uploads.
func (e Engine) ValidateDataSource(ctx context.Context, sourceID, actorID string) (domain.DataSource, error) {
	s, err := e.Repo.GetDataSource(ctx, sourceID)
	if err != nil {
		return domain.DataSource{}, err
	}
	if err := e.authorize(ctx, s.CycleID, actorID, "cycle.admin"); err != nil {
		return domain.DataSource{}, err
	}
	if s.Validated {
		return s, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DataSource{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s.Validated = true
	s.ValidatedBy = &actorID
	s.ValidatedAt = &now
	if err := e.Repo.UpdateDataSource(ctx, tx, s); err != nil {
		return domain.DataSource{}, err
	}
	if err := e.Audit.Append(ctx, tx, "source.validate", s.CycleID, "data_source", s.ID, actorID, audit.EventPayload{"source_type": s.SourceType}); err != nil {
		return domain.DataSource{}, err
	}
	if err := commit("source.validate", tx); err != nil {
		return domain.DataSource{}, err
	}
	return s, nil
}

// GrantRole assigns a config-defined role to a user for a cycle.
func (e Engine) GrantRole(ctx context.Context, cycleID int64, userID, roleID, actorID string) error {
	if err := e.authorize(ctx, cycleID, actorID, "cycle.admin"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, e.nowRFC3339()); err != nil {
		return err
	}
	if err := e.Repo.GrantRole(ctx, tx, cycleID, userID, roleID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, "authz.grant", cycleID, "user", userID, actorID, audit.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return commit("authz.grant", tx)
}

// RevokeRole removes a role grant.
func (e Engine) RevokeRole(ctx context.Context, cycleID int64, userID, roleID, actorID string) error {
	if err := e.authorize(ctx, cycleID, actorID, "cycle.admin"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, cycleID, userID, roleID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, "authz.revoke", cycleID, "user", userID, actorID, audit.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return commit("authz.revoke", tx)
}

// CreateAPIKey mints a raw key, stores only its hash, and returns the raw
// key once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", errors.New("user id is required")
	}
	raw := uuid.NewString() + uuid.NewString()
	k := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, k.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, k); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Audit.Append(ctx, tx, "apikey.create", 0, "api_key", k.ID, userID, audit.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := commit("apikey.create", tx); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}
