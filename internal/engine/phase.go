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
	"veriflow/internal/repo"
)

// InitializePhase instantiates a phase and its activity templates for a
// report. Activities start NOT_STARTED except the upload_files auto-skip,
// which fires when a validated data source already covers the report.
func (e Engine) InitializePhase(ctx context.Context, cycleID, reportID int64, phaseName, actorID string) (domain.Phase, []domain.Activity, error) {
	cfg, err := e.cycleConfig(ctx, cycleID)
	if err != nil {
		return domain.Phase{}, nil, err
	}
	tpl, ok := cfg.Phase(phaseName)
	if !ok {
		return domain.Phase{}, nil, fmt.Errorf("phase %s not in workflow config: %w", phaseName, repo.ErrNotFound)
	}
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return domain.Phase{}, nil, err
	}
	if err := e.authorize(ctx, cycleID, actorID, "phase.init"); err != nil {
		return domain.Phase{}, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p := domain.Phase{
		ID:             uuid.NewString(),
		CycleID:        cycleID,
		ReportID:       reportID,
		Name:           tpl.Name,
		PhaseOrder:     tpl.Order,
		State:          domain.PhaseNotStarted,
		ScheduleStatus: domain.ScheduleOnTrack,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Phase{}, nil, ConflictError{Entity: "phase", Key: fmt.Sprintf("report %d %s", reportID, phaseName)}
		}
		return domain.Phase{}, nil, fmt.Errorf("insert phase: %w", err)
	}

	acts, err := e.instantiateActivitiesTx(ctx, tx, p, tpl, now)
	if err != nil {
		return domain.Phase{}, nil, err
	}
	p.ProgressPct = progressPct(acts)
	if p.ProgressPct != 0 {
		if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
			return domain.Phase{}, nil, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "phase.init", cycleID, "phase", p.ID, actorID, audit.EventPayload{
		"report_id": reportID, "name": p.Name, "activities": len(acts),
	}); err != nil {
		return domain.Phase{}, nil, err
	}
	if err := commit("phase.init", tx); err != nil {
		return domain.Phase{}, nil, err
	}
	return p, acts, nil
}

// instantiateActivitiesTx creates the phase's activities fresh from the
// template catalog. Activities start NOT_STARTED except the auto-skip for
// templates marked skip_if_source_configured, which fires when a validated
// data source already covers the report.
func (e Engine) instantiateActivitiesTx(ctx context.Context, tx *sql.Tx, p domain.Phase, tpl config.PhaseTemplate, now string) ([]domain.Activity, error) {
	hasSource, err := e.Repo.HasValidatedSourceTx(ctx, tx, p.CycleID, p.ReportID)
	if err != nil {
		return nil, err
	}
	var acts []domain.Activity
	for _, at := range tpl.Activities {
		a := domain.Activity{
			ID:            uuid.NewString(),
			PhaseID:       p.ID,
			Name:          at.Name,
			ActivityOrder: at.Order,
			Status:        domain.ActivityNotStarted,
			Manual:        at.Manual,
			Optional:      at.Optional,
			DependsOn:     at.DependsOn,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if at.SkipIfSourceConfigured && hasSource {
			a.Status = domain.ActivitySkipped
			reason := "validated data source configured"
			a.BlockingReason = &reason
			a.CompletionPct = 100
		}
		if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("insert activity %s: %w", at.Name, err)
		}
		acts = append(acts, a)
	}
	return acts, nil
}

// ensureActivityTransition validates a requested activity status change.
func ensureActivityTransition(a domain.Activity, next, reason string) error {
	invalid := func() error {
		return InvalidStateError{Entity: "activity", ID: a.ID, Current: a.Status, Requested: next}
	}
	switch next {
	case domain.ActivityInProgress:
		switch a.Status {
		case domain.ActivityNotStarted, domain.ActivityBlocked, domain.ActivityRevisionRequested:
			return nil
		}
		return invalid()
	case domain.ActivityCompleted:
		if a.Status != domain.ActivityInProgress {
			return invalid()
		}
		return nil
	case domain.ActivityBlocked:
		switch a.Status {
		case domain.ActivityNotStarted, domain.ActivityInProgress, domain.ActivityRevisionRequested:
		default:
			return invalid()
		}
		if reason == "" {
			return errors.New("blocking reason is required")
		}
		return nil
	case domain.ActivityRevisionRequested:
		if a.Status != domain.ActivityCompleted {
			return invalid()
		}
		if reason == "" {
			return errors.New("revision reason is required")
		}
		return nil
	case domain.ActivitySkipped:
		switch a.Status {
		case domain.ActivityNotStarted, domain.ActivityInProgress, domain.ActivityBlocked, domain.ActivityRevisionRequested:
		default:
			return invalid()
		}
		if !a.Optional && reason == "" {
			return errors.New("skip reason is required for non-optional activities")
		}
		return nil
	}
	return fmt.Errorf("unknown activity status %s", next)
}

// AdvanceActivity moves an activity through its lifecycle. Completion is
// gated on declared dependencies; starting the first activity starts the
// phase clock and arms its SLA deadline.
func (e Engine) AdvanceActivity(ctx context.Context, activityID, nextStatus, reason, actorID string) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return domain.Activity{}, err
	}
	p, err := e.Repo.GetPhase(ctx, a.PhaseID)
	if err != nil {
		return domain.Activity{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "activity.advance"); err != nil {
		return domain.Activity{}, err
	}
	if a.Status == nextStatus {
		return a, nil
	}
	if err := ensureActivityTransition(a, nextStatus, reason); err != nil {
		return domain.Activity{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	siblings, err := e.Repo.ListActivitiesTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Activity{}, err
	}
	if nextStatus == domain.ActivityCompleted {
		if unmet := unmetDependencies(a, siblings); len(unmet) > 0 {
			return domain.Activity{}, DependencyNotSatisfiedError{Activity: a.Name, Unmet: unmet}
		}
	}

	now := e.nowRFC3339()
	prev := a.Status
	a.Status = nextStatus
	a.UpdatedAt = now
	a.BlockingReason = nil
	switch nextStatus {
	case domain.ActivityInProgress:
		if prev == domain.ActivityRevisionRequested {
			a.RetryCount++
		}
	case domain.ActivityCompleted:
		a.CompletionPct = 100
	case domain.ActivityBlocked, domain.ActivityRevisionRequested, domain.ActivitySkipped:
		if reason != "" {
			a.BlockingReason = &reason
		}
		if nextStatus == domain.ActivitySkipped {
			a.CompletionPct = 100
		} else {
			a.CompletionPct = 0
		}
	}
	if err := e.Repo.UpdateActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}

	for i := range siblings {
		if siblings[i].ID == a.ID {
			siblings[i] = a
		}
	}
	p.ProgressPct = progressPct(siblings)
	p.UpdatedAt = now
	if p.State == domain.PhaseNotStarted && nextStatus == domain.ActivityInProgress {
		p.State = domain.PhaseInProgress
		p.ActualStart = &now
		if err := e.armPhaseSLA(ctx, tx, &p); err != nil {
			return domain.Activity{}, err
		}
	}
	if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Audit.Append(ctx, tx, "activity.advance", p.CycleID, "activity", a.ID, actorID, audit.EventPayload{
		"name": a.Name, "from": prev, "to": nextStatus, "reason": reason,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := commit("activity.advance", tx); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// armPhaseSLA records the deadline and opens the violation tracking row
// when a phase starts and an SLA window is configured for it.
func (e Engine) armPhaseSLA(ctx context.Context, tx *sql.Tx, p *domain.Phase) error {
	cfg, err := e.cycleConfig(ctx, p.CycleID)
	if err != nil {
		return err
	}
	w, ok := cfg.PhaseWindow(p.Name)
	if !ok || w.Hours <= 0 {
		return nil
	}
	start := e.now().UTC()
	due := addWindow(start, time.Duration(w.Hours)*time.Hour, w.BusinessHours)
	dueStr := due.Format(time.RFC3339)
	p.SLADeadline = &dueStr

	v := domain.Violation{
		ID:        uuid.NewString(),
		UnitKind:  "phase",
		UnitID:    p.ID,
		CycleID:   p.CycleID,
		StartedAt: start.Format(time.RFC3339),
		DueDate:   dueStr,
	}
	if w.WarningHours > 0 {
		warn := due.Add(-time.Duration(w.WarningHours) * time.Hour).Format(time.RFC3339)
		v.WarningDate = &warn
	}
	if err := e.Repo.InsertViolation(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

func unmetDependencies(a domain.Activity, siblings []domain.Activity) []string {
	byName := make(map[string]domain.Activity, len(siblings))
	for _, s := range siblings {
		byName[s.Name] = s
	}
	var unmet []string
	for _, dep := range a.DependsOn {
		d, ok := byName[dep]
		if !ok {
			unmet = append(unmet, dep)
			continue
		}
		if d.Status != domain.ActivityCompleted && d.Status != domain.ActivitySkipped {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// progressPct counts completed and skipped activities over all activities.
func progressPct(acts []domain.Activity) int {
	if len(acts) == 0 {
		return 0
	}
	done := 0
	for _, a := range acts {
		if a.Status == domain.ActivityCompleted || a.Status == domain.ActivitySkipped {
			done++
		}
	}
	return done * 100 / len(acts)
}

// CompletePhase derives phase completion: every non-optional activity is
// COMPLETED or SKIPPED, and for versioned phases the latest version is
// approved with no open successor. Phase state is never set complete
// directly by callers except through OverridePhaseState.
func (e Engine) CompletePhase(ctx context.Context, phaseID, actorID string) (domain.Phase, error) {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "phase.complete"); err != nil {
		return domain.Phase{}, err
	}
	if p.State == domain.PhaseComplete {
		return p, nil
	}
	if p.State != domain.PhaseInProgress {
		return domain.Phase{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: p.State, Requested: domain.PhaseComplete}
	}

	acts, err := e.Repo.ListActivities(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	for _, a := range acts {
		if a.Optional {
			continue
		}
		if a.Status != domain.ActivityCompleted && a.Status != domain.ActivitySkipped {
			return domain.Phase{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: fmt.Sprintf("activity %s is %s", a.Name, a.Status), Requested: domain.PhaseComplete}
		}
	}

	cfg, err := e.cycleConfig(ctx, p.CycleID)
	if err != nil {
		return domain.Phase{}, err
	}
	if tpl, ok := cfg.Phase(p.Name); ok && tpl.Versioned {
		if _, err := e.Repo.OpenVersion(ctx, phaseID); err == nil {
			return domain.Phase{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: "open version pending", Requested: domain.PhaseComplete}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Phase{}, err
		}
		if _, err := e.Repo.LatestApprovedVersion(ctx, phaseID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Phase{}, InvalidStateError{Entity: "phase", ID: p.ID, Current: "no approved version", Requested: domain.PhaseComplete}
			}
			return domain.Phase{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p.State = domain.PhaseComplete
	p.ActualEnd = &now
	p.ProgressPct = progressPct(acts)
	p.UpdatedAt = now
	if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.resolveUnitViolation(ctx, tx, "phase", p.ID, actorID, "phase completed"); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Audit.Append(ctx, tx, "phase.complete", p.CycleID, "phase", p.ID, actorID, audit.EventPayload{"name": p.Name}); err != nil {
		return domain.Phase{}, err
	}
	if err := commit("phase.complete", tx); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// ResetPhaseActivities discards the phase's activities and recreates them
// fresh from the template catalog, re-applying the source auto-skip.
// Privileged recovery operation.
func (e Engine) ResetPhaseActivities(ctx context.Context, phaseID, reason, actorID string) error {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "phase.override"); err != nil {
		return err
	}
	if reason == "" {
		return errors.New("reset reason is required")
	}
	cfg, err := e.cycleConfig(ctx, p.CycleID)
	if err != nil {
		return err
	}
	tpl, ok := cfg.Phase(p.Name)
	if !ok {
		return DataIntegrityError{Entity: "phase", ID: p.ID, Detail: "no template for phase " + p.Name}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.DeleteActivitiesTx(ctx, tx, phaseID); err != nil {
		return err
	}
	acts, err := e.instantiateActivitiesTx(ctx, tx, p, tpl, now)
	if err != nil {
		return err
	}
	p.ProgressPct = progressPct(acts)
	if p.State == domain.PhaseComplete {
		p.State = domain.PhaseInProgress
		p.ActualEnd = nil
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, "phase.reset", p.CycleID, "phase", p.ID, actorID, audit.EventPayload{
		"reason": reason, "activities": len(acts),
	}); err != nil {
		return err
	}
	return commit("phase.reset", tx)
}

// OverridePhaseState forces a phase lifecycle state with a mandatory
// audited reason.
func (e Engine) OverridePhaseState(ctx context.Context, phaseID, newState, reason, actorID string) (domain.Phase, error) {
	switch newState {
	case domain.PhaseNotStarted, domain.PhaseInProgress, domain.PhaseComplete:
	default:
		return domain.Phase{}, fmt.Errorf("unknown phase state %s", newState)
	}
	return e.overridePhase(ctx, phaseID, reason, actorID, "phase.state_override", func(p *domain.Phase, now string) {
		p.State = newState
		if newState == domain.PhaseComplete && p.ActualEnd == nil {
			p.ActualEnd = &now
		}
	})
}

// OverrideScheduleStatus forces the schedule axis, for example to clear an
// at_risk flag after a deadline extension.
func (e Engine) OverrideScheduleStatus(ctx context.Context, phaseID, newStatus, reason, actorID string) (domain.Phase, error) {
	switch newStatus {
	case domain.ScheduleOnTrack, domain.ScheduleAtRisk, domain.SchedulePastDue:
	default:
		return domain.Phase{}, fmt.Errorf("unknown schedule status %s", newStatus)
	}
	return e.overridePhase(ctx, phaseID, reason, actorID, "phase.schedule_override", func(p *domain.Phase, _ string) {
		p.ScheduleStatus = newStatus
	})
}

func (e Engine) overridePhase(ctx context.Context, phaseID, reason, actorID, evtType string, mutate func(*domain.Phase, string)) (domain.Phase, error) {
	if reason == "" {
		return domain.Phase{}, errors.New("override reason is required")
	}
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := e.authorize(ctx, p.CycleID, actorID, "phase.override"); err != nil {
		return domain.Phase{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	before := p.State + "/" + p.ScheduleStatus
	mutate(&p, now)
	p.OverrideReason = &reason
	p.OverrideBy = &actorID
	p.OverrideAt = &now
	p.UpdatedAt = now
	if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Audit.Append(ctx, tx, evtType, p.CycleID, "phase", p.ID, actorID, audit.EventPayload{
		"before": before, "after": p.State + "/" + p.ScheduleStatus, "reason": reason,
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := commit(evtType, tx); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// cycleConfig loads the config stored with the cycle, falling back to the
// engine's loaded config.
func (e Engine) cycleConfig(ctx context.Context, cycleID int64) (*config.Config, error) {
	cfg, err := e.Repo.GetCycleConfig(ctx, cycleID)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
		return e.Config, nil
	}
	return nil, err
}
