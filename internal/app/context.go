package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/repo"
)

// ResolveCycleAndConfig picks the active cycle and ensures a cycle plus
// stored config exist, seeding from veriflow.yml or defaults when missing.
// It prefers the override, then the single cycle in the DB. A missing
// cycle is created on the fly.
func ResolveCycleAndConfig(ctx context.Context, workspace string, cycleOverride int64, actorID string, r repo.Repo) (int64, *config.Config, error) {
	cycleID := cycleOverride
	if cycleID == 0 {
		if c, err := r.SingleCycle(ctx); err == nil {
			cycleID = c.ID
		} else {
			return 0, nil, fmt.Errorf("cycle not specified; use --cycle")
		}
	}
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return 0, nil, err
	}
	if seedCfg == nil {
		seedCfg = config.Default(cycleID)
	}

	if _, err := r.GetCycle(ctx, cycleID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return 0, nil, err
		}
		if err := createCycle(ctx, r, cycleID, seedCfg, actorID); err != nil {
			return 0, nil, err
		}
	}
	cfg, err := r.GetCycleConfig(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertCycleConfig(ctx, cycleID, seedCfg); err != nil {
				return 0, nil, fmt.Errorf("seed cycle config: %w", err)
			}
			cfg = seedCfg
		} else {
			return 0, nil, err
		}
	}
	cfg.Cycle.ID = cycleID
	return cycleID, cfg, nil
}

// createCycle inserts a minimal cycle footprint using the seed config.
func createCycle(ctx context.Context, r repo.Repo, cycleID int64, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(cycleID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Cycle.Name
	if name == "" {
		name = fmt.Sprintf("cycle-%d", cycleID)
	}
	c := domain.Cycle{
		ID:        cycleID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertCycle(ctx, tx, c); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	if err := r.UpsertCycleConfigTx(ctx, tx, cycleID, seedCfg); err != nil {
		return fmt.Errorf("insert cycle config: %w", err)
	}
	if err := r.SyncRoles(ctx, tx, seedCfg.Authz); err != nil {
		return fmt.Errorf("sync roles: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if len(seedCfg.Authz.Roles) > 0 {
		if err := r.GrantRole(ctx, tx, cycleID, actorID, "owner"); err != nil {
			return fmt.Errorf("grant owner role: %w", err)
		}
	}
	return tx.Commit()
}
