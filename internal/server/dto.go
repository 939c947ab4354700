package server

// Request payloads

type CreateCycleRequest struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateReportRequest struct {
	ID             int64  `json:"id"`
	CycleID        int64  `json:"cycle_id,omitempty"`
	Name           string `json:"name"`
	LineOfBusiness string `json:"line_of_business,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
}

type RegisterSourceRequest struct {
	CycleID       int64  `json:"cycle_id,omitempty"`
	ReportID      int64  `json:"report_id"`
	SourceType    string `json:"source_type"`
	ConnectionRef string `json:"connection_ref,omitempty"`
}

type InitPhaseRequest struct {
	CycleID  int64  `json:"cycle_id,omitempty"`
	ReportID int64  `json:"report_id"`
	Name     string `json:"name"`
}

type PhaseOverrideRequest struct {
	State          string `json:"state,omitempty" enum:"not_started,in_progress,complete"`
	ScheduleStatus string `json:"schedule_status,omitempty" enum:"on_track,at_risk,past_due"`
	Reason         string `json:"reason"`
}

type PhaseResetRequest struct {
	Reason string `json:"reason"`
}

type AdvanceActivityRequest struct {
	Status string `json:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED,REVISION_REQUESTED,BLOCKED,SKIPPED"`
	Reason string `json:"reason,omitempty"`
}

type OpenVersionRequest struct {
	CarryForward bool `json:"carry_forward,omitempty"`
}

type SubmitVersionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type AddItemRequest struct {
	Payload    map[string]any `json:"payload,omitempty"`
	FileRef    string         `json:"file_ref,omitempty"`
	FileSHA256 string         `json:"file_sha256,omitempty"`
}

type ItemDecisionRequest struct {
	Role           string `json:"role" enum:"tester,report_owner"`
	Decision       string `json:"decision"`
	Notes          string `json:"notes,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

type ReviseItemRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type CreateAssignmentRequest struct {
	Type       string `json:"assignment_type"`
	CycleID    int64  `json:"cycle_id,omitempty"`
	PhaseID    string `json:"phase_id,omitempty"`
	VersionID  string `json:"version_id,omitempty"`
	FromRole   string `json:"from_role"`
	ToRole     string `json:"to_role"`
	AssigneeID string `json:"assignee_id,omitempty"`
	DueDate    string `json:"due_date,omitempty" format:"date-time"`
	Notes      string `json:"notes,omitempty"`
}

type AssignmentStatusRequest struct {
	Status      string `json:"status"`
	EscalatedTo string `json:"escalated_to,omitempty"`
	DelegatedTo string `json:"delegated_to,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type ResolveViolationRequest struct {
	Notes string `json:"notes,omitempty"`
}

type GrantRoleRequest struct {
	CycleID int64  `json:"cycle_id,omitempty"`
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
