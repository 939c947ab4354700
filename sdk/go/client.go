package veriflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Veriflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Phase represents the API phase model (partial).
type Phase struct {
	ID             string `json:"id"`
	CycleID        int64  `json:"cycle_id"`
	ReportID       int64  `json:"report_id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	ScheduleStatus string `json:"schedule_status"`
	ProgressPct    int    `json:"progress_pct"`
}

// Version represents a deliverable version.
type Version struct {
	ID            string `json:"id"`
	PhaseID       string `json:"phase_id"`
	VersionNumber int    `json:"version_number"`
	Status        string `json:"version_status"`
	TotalCount    int    `json:"total_count"`
	ApprovedCount int    `json:"approved_count"`
	RejectedCount int    `json:"rejected_count"`
	PendingCount  int    `json:"pending_count"`
}

// Item represents a record inside a version.
type Item struct {
	ID          string         `json:"id"`
	VersionID   string         `json:"version_id"`
	Payload     map[string]any `json:"payload_json,omitempty"`
	Revision    int            `json:"revision"`
	FinalStatus string         `json:"final_status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CycleID    int64  `json:"cycle_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitPhase creates a phase for a report from the template catalog.
func (c *Client) InitPhase(ctx context.Context, cycleID, reportID int64, name string) (Phase, error) {
	body := map[string]any{
		"cycle_id":  cycleID,
		"report_id": reportID,
		"name":      name,
	}
	var resp struct {
		Phase Phase `json:"phase"`
	}
	err := c.do(ctx, http.MethodPost, "phases", body, &resp)
	return resp.Phase, err
}

// AdvanceActivity moves an activity to the requested status.
func (c *Client) AdvanceActivity(ctx context.Context, activityID, status, reason string) error {
	body := map[string]any{"status": status, "reason": reason}
	endpoint := fmt.Sprintf("activities/%s/advance", url.PathEscape(activityID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// OpenVersion opens the next draft version for a phase.
func (c *Client) OpenVersion(ctx context.Context, phaseID string, carryForward bool) (Version, error) {
	body := map[string]any{"carry_forward": carryForward}
	var resp Version
	endpoint := fmt.Sprintf("phases/%s/versions", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddItem adds an item to a draft version.
func (c *Client) AddItem(ctx context.Context, versionID string, payload map[string]any) (Item, error) {
	body := map[string]any{"payload": payload}
	var resp Item
	endpoint := fmt.Sprintf("versions/%s/items", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitVersion submits a draft version for approval.
func (c *Client) SubmitVersion(ctx context.Context, versionID, notes string) (Version, error) {
	body := map[string]any{"notes": notes}
	var resp Version
	endpoint := fmt.Sprintf("versions/%s/submit", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordDecision records a tester or report-owner decision on an item.
func (c *Client) RecordDecision(ctx context.Context, itemID, role, decision, notes string) (Item, error) {
	body := map[string]any{
		"role":     role,
		"decision": decision,
		"notes":    notes,
	}
	var resp Item
	endpoint := fmt.Sprintf("items/%s/decision", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveVersion settles a version's status from its item decisions.
func (c *Client) ResolveVersion(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("versions/%s/resolve", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Lineage walks the supersession chain for a version.
func (c *Client) Lineage(ctx context.Context, versionID string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("versions/%s/lineage", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, cycleID int64, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cycleID != 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scycle_id=%d", endpoint, sep, cycleID)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
