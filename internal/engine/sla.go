package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veriflow/internal/audit"
	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/repo"
)

// SLAReport summarizes one evaluation tick.
type SLAReport struct {
	Evaluated int `json:"evaluated"`
	Warned    int `json:"warned"`
	Breached  int `json:"breached"`
	Escalated int `json:"escalated"`
}

// EvaluateSLA is the periodic tick: for every unresolved violation row in
// the cycle it flags warnings (once per violation), records breaches, and
// advances escalation levels per the configured interval. Schedule status
// on the tracked phase
// follows: warning window reached means at_risk, breach means past_due.
// Escalation never moves backward.
func (e Engine) EvaluateSLA(ctx context.Context, cycleID int64, actorID string) (SLAReport, error) {
	cfg, err := e.cycleConfig(ctx, cycleID)
	if err != nil {
		return SLAReport{}, err
	}
	violations, err := e.Repo.ListViolations(ctx, cycleID, true)
	if err != nil {
		return SLAReport{}, err
	}
	now := e.now().UTC()
	var report SLAReport
	for _, v := range violations {
		report.Evaluated++
		due, err := time.Parse(time.RFC3339, v.DueDate)
		if err != nil {
			return report, fmt.Errorf("violation %s has bad due date: %w", v.ID, err)
		}
		warned := false
		if v.WarningDate != nil && v.WarnedAt == nil && v.ViolatedAt == nil {
			warn, err := time.Parse(time.RFC3339, *v.WarningDate)
			if err != nil {
				return report, err
			}
			warned = !now.Before(warn)
		}
		breachedNow := now.After(due) && v.ViolatedAt == nil
		escalate := false
		if v.ViolatedAt != nil && cfg.SLA.Escalation.AutoEscalateOnBreach && cfg.SLA.Escalation.IntervalHours > 0 && v.LastEscalatedAt != nil {
			last, err := time.Parse(time.RFC3339, *v.LastEscalatedAt)
			if err != nil {
				return report, err
			}
			escalate = now.Sub(last) >= time.Duration(cfg.SLA.Escalation.IntervalHours)*time.Hour &&
				v.EscalationLevel < len(cfg.SLA.Escalation.Levels)
		}
		if !warned && !breachedNow && !escalate {
			continue
		}
		if err := e.applySLAChange(ctx, cycleID, v, now, due, warned, breachedNow, escalate, cfg.SLA.Escalation.Levels, actorID, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (e Engine) applySLAChange(ctx context.Context, cycleID int64, v domain.Violation, now, due time.Time, warned, breached, escalate bool, levels []config.EscalationLevel, actorID string, report *SLAReport) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowStr := now.Format(time.RFC3339)
	notifyRole := ""
	switch {
	case breached:
		v.ViolatedAt = &nowStr
		hours := now.Sub(due).Hours()
		v.ViolationHours = &hours
		v.EscalationLevel = 1
		v.LastEscalatedAt = &nowStr
		if len(levels) > 0 {
			notifyRole = levels[0].NotifyRole
		}
		report.Breached++
		if err := e.markScheduleTx(ctx, tx, v, domain.SchedulePastDue, true, nowStr); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, "sla.breach", cycleID, v.UnitKind, v.UnitID, actorID, audit.EventPayload{
			"violation_hours": hours, "escalation_level": 1,
		}); err != nil {
			return err
		}
	case escalate:
		v.EscalationLevel++
		v.LastEscalatedAt = &nowStr
		if v.EscalationLevel-1 < len(levels) {
			notifyRole = levels[v.EscalationLevel-1].NotifyRole
		}
		report.Escalated++
		if err := e.Audit.Append(ctx, tx, "sla.escalate", cycleID, v.UnitKind, v.UnitID, actorID, audit.EventPayload{
			"escalation_level": v.EscalationLevel,
		}); err != nil {
			return err
		}
	case warned:
		v.WarnedAt = &nowStr
		report.Warned++
		if err := e.markScheduleTx(ctx, tx, v, domain.ScheduleAtRisk, false, nowStr); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, "sla.warning", cycleID, v.UnitKind, v.UnitID, actorID, audit.EventPayload{
			"due_date": v.DueDate,
		}); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateViolation(ctx, tx, v); err != nil {
		return err
	}
	if err := commit("sla.evaluate", tx); err != nil {
		return err
	}
	if notifyRole != "" && e.Notifier != nil {
		e.Notifier.Notify(ctx, notifyRole, "sla_escalation", map[string]any{
			"unit_kind": v.UnitKind, "unit_id": v.UnitID, "level": v.EscalationLevel, "due_date": v.DueDate,
		})
	}
	return nil
}

// markScheduleTx moves a tracked phase's schedule axis. Warnings never
// downgrade past_due.
func (e Engine) markScheduleTx(ctx context.Context, tx *sql.Tx, v domain.Violation, status string, breached bool, now string) error {
	if v.UnitKind != "phase" {
		return nil
	}
	p, err := e.Repo.GetPhaseTx(ctx, tx, v.UnitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if p.ScheduleStatus == domain.SchedulePastDue && status == domain.ScheduleAtRisk {
		return nil
	}
	p.ScheduleStatus = status
	if breached {
		p.SLABreached = true
	}
	p.UpdatedAt = now
	return e.Repo.UpdatePhase(ctx, tx, p)
}

// ResolveViolation closes a violation with notes. Resolution is the only
// way an escalation level stops advancing.
func (e Engine) ResolveViolation(ctx context.Context, violationID, notes, actorID string) (domain.Violation, error) {
	v, err := e.Repo.GetViolation(ctx, violationID)
	if err != nil {
		return domain.Violation{}, err
	}
	if v.IsResolved {
		return v, nil
	}
	if err := e.authorize(ctx, v.CycleID, actorID, "sla.resolve"); err != nil {
		return domain.Violation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Violation{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	v.IsResolved = true
	v.ResolvedAt = &now
	v.ResolvedBy = &actorID
	if notes != "" {
		v.ResolutionNotes = &notes
	}
	if err := e.Repo.UpdateViolation(ctx, tx, v); err != nil {
		return domain.Violation{}, err
	}
	if err := e.Audit.Append(ctx, tx, "sla.resolve", v.CycleID, v.UnitKind, v.UnitID, actorID, audit.EventPayload{"notes": notes}); err != nil {
		return domain.Violation{}, err
	}
	if err := commit("sla.resolve", tx); err != nil {
		return domain.Violation{}, err
	}
	return v, nil
}

// resolveUnitViolation closes the violation row for a unit inside the
// caller's transaction, used when the unit itself completes.
func (e Engine) resolveUnitViolation(ctx context.Context, tx *sql.Tx, unitKind, unitID, actorID, notes string) error {
	v, err := e.Repo.GetViolationByUnitTx(ctx, tx, unitKind, unitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if v.IsResolved {
		return nil
	}
	now := e.nowRFC3339()
	v.IsResolved = true
	v.ResolvedAt = &now
	v.ResolvedBy = &actorID
	v.ResolutionNotes = &notes
	return e.Repo.UpdateViolation(ctx, tx, v)
}

// addWindow adds a duration to a start time. With businessHours set the
// window accrues only on weekdays; Saturdays and Sundays do not consume
// budget.
func addWindow(start time.Time, d time.Duration, businessHours bool) time.Time {
	if !businessHours {
		return start.Add(d)
	}
	t := start
	remaining := d
	for remaining > 0 {
		if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			t = t.Add(24 * time.Hour)
			continue
		}
		step := remaining
		if step > 24*time.Hour {
			step = 24 * time.Hour
		}
		t = t.Add(step)
		remaining -= step
	}
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.Add(24 * time.Hour)
	}
	return t
}
