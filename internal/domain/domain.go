package domain

// Phase lifecycle states.
const (
	PhaseNotStarted = "not_started"
	PhaseInProgress = "in_progress"
	PhaseComplete   = "complete"
)

// Phase schedule statuses. This axis is computed from the SLA deadline and
// never gates the lifecycle state.
const (
	ScheduleOnTrack = "on_track"
	ScheduleAtRisk  = "at_risk"
	SchedulePastDue = "past_due"
)

// Activity statuses.
const (
	ActivityNotStarted        = "NOT_STARTED"
	ActivityInProgress        = "IN_PROGRESS"
	ActivityCompleted         = "COMPLETED"
	ActivityRevisionRequested = "REVISION_REQUESTED"
	ActivityBlocked           = "BLOCKED"
	ActivitySkipped           = "SKIPPED"
)

// Version statuses.
const (
	VersionDraft           = "draft"
	VersionPendingApproval = "pending_approval"
	VersionApproved        = "approved"
	VersionRejected        = "rejected"
	VersionSuperseded      = "superseded"
)

// Tester decisions.
const (
	TesterAccept   = "accept"
	TesterReject   = "reject"
	TesterOverride = "override"
)

// Report-owner decisions.
const (
	OwnerApprove       = "approve"
	OwnerReject        = "reject"
	OwnerNeedsRevision = "needs_revision"
	OwnerOverride      = "override"
)

// Item final statuses, derived from the two decision slots.
const (
	ItemPending      = "pending"
	ItemPendingOwner = "pending_owner_review"
	ItemApproved     = "approved"
	ItemRejected     = "rejected"
)

// Assignment statuses.
const (
	AssignmentAssigned     = "assigned"
	AssignmentAcknowledged = "acknowledged"
	AssignmentInProgress   = "in_progress"
	AssignmentCompleted    = "completed"
	AssignmentApproved     = "approved"
	AssignmentRejected     = "rejected"
	AssignmentCancelled    = "cancelled"
	AssignmentOverdue      = "overdue"
	AssignmentEscalated    = "escalated"
	AssignmentOnHold       = "on_hold"
	AssignmentDelegated    = "delegated"
)

type Cycle struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	LineOfBusiness string `json:"line_of_business,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID             string  `json:"id"`
	CycleID        int64   `json:"cycle_id"`
	ReportID       int64   `json:"report_id"`
	Name           string  `json:"name"`
	PhaseOrder     int     `json:"phase_order"`
	State          string  `json:"state" enum:"not_started,in_progress,complete"`
	ScheduleStatus string  `json:"schedule_status" enum:"on_track,at_risk,past_due"`
	PlannedStart   *string `json:"planned_start,omitempty" format:"date-time"`
	PlannedEnd     *string `json:"planned_end,omitempty" format:"date-time"`
	ActualStart    *string `json:"actual_start,omitempty" format:"date-time"`
	ActualEnd      *string `json:"actual_end,omitempty" format:"date-time"`
	SLADeadline    *string `json:"sla_deadline,omitempty" format:"date-time"`
	SLABreached    bool    `json:"sla_breached"`
	ProgressPct    int     `json:"progress_pct"`
	OverrideReason *string `json:"override_reason,omitempty"`
	OverrideBy     *string `json:"override_by,omitempty"`
	OverrideAt     *string `json:"override_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Activity struct {
	ID             string   `json:"id"`
	PhaseID        string   `json:"phase_id"`
	Name           string   `json:"name"`
	ActivityOrder  int      `json:"activity_order"`
	Status         string   `json:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED,REVISION_REQUESTED,BLOCKED,SKIPPED"`
	Manual         bool     `json:"manual"`
	Optional       bool     `json:"optional"`
	DependsOn      []string `json:"depends_on,omitempty"`
	BlockingReason *string  `json:"blocking_reason,omitempty"`
	RetryCount     int      `json:"retry_count"`
	CompletionPct  int      `json:"completion_pct"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Version struct {
	ID              string  `json:"id"`
	PhaseID         string  `json:"phase_id"`
	VersionNumber   int     `json:"version_number"`
	Status          string  `json:"version_status" enum:"draft,pending_approval,approved,rejected,superseded"`
	ParentVersionID *string `json:"parent_version_id,omitempty"`
	ItemKind        string  `json:"item_kind"`
	TotalCount      int     `json:"total_count"`
	ApprovedCount   int     `json:"approved_count"`
	RejectedCount   int     `json:"rejected_count"`
	PendingCount    int     `json:"pending_count"`
	SubmittedBy     *string `json:"submitted_by,omitempty"`
	SubmittedAt     *string `json:"submitted_at,omitempty" format:"date-time"`
	SubmissionNotes *string `json:"submission_notes,omitempty"`
	ApprovedBy      *string `json:"approved_by,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty" format:"date-time"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Item struct {
	ID              string   `json:"id"`
	VersionID       string   `json:"version_id"`
	Kind            string   `json:"kind"`
	PayloadJSON     string   `json:"payload_json,omitempty"`
	CarriedFromID   *string  `json:"carried_from_item_id,omitempty"`
	Revision        int      `json:"revision"`
	FileRef         *string  `json:"file_ref,omitempty"`
	FileSHA256      *string  `json:"file_sha256,omitempty"`
	Recommendation  *string  `json:"llm_recommendation,omitempty"`
	Confidence      *float64 `json:"llm_confidence,omitempty"`
	TesterDecision  *string  `json:"tester_decision,omitempty" enum:"accept,reject,override"`
	TesterNotes     *string  `json:"tester_notes,omitempty"`
	TesterDecidedBy *string  `json:"tester_decided_by,omitempty"`
	TesterDecidedAt *string  `json:"tester_decided_at,omitempty" format:"date-time"`
	OwnerDecision   *string  `json:"report_owner_decision,omitempty" enum:"approve,reject,needs_revision,override"`
	OwnerNotes      *string  `json:"report_owner_notes,omitempty"`
	OwnerDecidedBy  *string  `json:"report_owner_decided_by,omitempty"`
	OwnerDecidedAt  *string  `json:"report_owner_decided_at,omitempty" format:"date-time"`
	OverrideReason  *string  `json:"override_reason,omitempty"`
	FinalStatus     string   `json:"final_status" enum:"pending,pending_owner_review,approved,rejected"`
	CreatedBy       string   `json:"created_by"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID          string  `json:"id"`
	Type        string  `json:"assignment_type"`
	CycleID     *int64  `json:"cycle_id,omitempty"`
	PhaseID     *string `json:"phase_id,omitempty"`
	VersionID   *string `json:"version_id,omitempty"`
	FromRole    string  `json:"from_role"`
	ToRole      string  `json:"to_role"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Status      string  `json:"status"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy  *string `json:"approved_by,omitempty"`
	EscalatedTo *string `json:"escalated_to,omitempty"`
	DelegatedTo *string `json:"delegated_to,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type AssignmentChange struct {
	ID           int64  `json:"id"`
	AssignmentID string `json:"assignment_id"`
	Field        string `json:"field"`
	OldValue     string `json:"old_value,omitempty"`
	NewValue     string `json:"new_value,omitempty"`
	ActorID      string `json:"actor_id"`
	TS           string `json:"ts" format:"date-time"`
}

type Violation struct {
	ID              string   `json:"id"`
	UnitKind        string   `json:"unit_kind" enum:"phase,activity"`
	UnitID          string   `json:"unit_id"`
	CycleID         int64    `json:"cycle_id"`
	StartedAt       string   `json:"started_at" format:"date-time"`
	DueDate         string   `json:"due_date" format:"date-time"`
	WarningDate     *string  `json:"warning_date,omitempty" format:"date-time"`
	WarnedAt        *string  `json:"warned_at,omitempty" format:"date-time"`
	ViolatedAt      *string  `json:"violated_at,omitempty" format:"date-time"`
	ViolationHours  *float64 `json:"violation_hours,omitempty"`
	EscalationLevel int      `json:"escalation_level"`
	LastEscalatedAt *string  `json:"last_escalated_at,omitempty" format:"date-time"`
	IsResolved      bool     `json:"is_resolved"`
	ResolvedAt      *string  `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy      *string  `json:"resolved_by,omitempty"`
	ResolutionNotes *string  `json:"resolution_notes,omitempty"`
}

type DataSource struct {
	ID            string  `json:"id"`
	CycleID       int64   `json:"cycle_id"`
	ReportID      int64   `json:"report_id"`
	SourceType    string  `json:"source_type"`
	ConnectionRef string  `json:"connection_ref,omitempty"`
	Validated     bool    `json:"validated"`
	ValidatedBy   *string `json:"validated_by,omitempty"`
	ValidatedAt   *string `json:"validated_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    int64  `json:"cycle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
