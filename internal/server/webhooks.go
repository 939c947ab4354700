package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
)

const webhookBatchSize = 50

// webhookDispatcher tails the event log and POSTs matching events to the
// configured endpoints. Each hook keeps its own cursor so a slow or failing
// endpoint does not hold back the others.
type webhookDispatcher struct {
	engine   engine.Engine
	cycleID  int64
	webhooks []config.WebhookConfig
	client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 || e.Config.Cycle.ID == 0 {
		return
	}
	var active []config.WebhookConfig
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		cycleID:  e.Config.Cycle.ID,
		webhooks: active,
		client:   &http.Client{},
		cursors:  map[int]int64{},
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ctx := context.Background()
	// Start from the current tail so restarts do not replay history.
	last, err := d.engine.Repo.LatestEventID(ctx, d.cycleID)
	if err != nil {
		return
	}
	d.mu.Lock()
	for i := range d.webhooks {
		d.cursors[i] = last
	}
	d.mu.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		d.dispatchPending(ctx)
	}
}

func (d *webhookDispatcher) dispatchPending(ctx context.Context) {
	for i, hook := range d.webhooks {
		d.mu.Lock()
		cursor := d.cursors[i]
		d.mu.Unlock()

		events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor, d.cycleID)
		if err != nil {
			continue
		}
		for _, evt := range events {
			if !eventFilter(hook.Events, evt.Type) {
				d.mu.Lock()
				d.cursors[i] = evt.ID
				d.mu.Unlock()
				continue
			}
			if err := d.postEvent(ctx, hook, evt); err != nil {
				// Leave the cursor; retry this event next tick.
				break
			}
			d.mu.Lock()
			d.cursors[i] = evt.ID
			d.mu.Unlock()
		}
	}
}

type webhookEvent struct {
	ID         int64          `json:"id"`
	CycleID    int64          `json:"cycle_id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	TS         string         `json:"ts"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	body, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		CycleID:    evt.CycleID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
		TS:         evt.TS,
	})
	if err != nil {
		return err
	}
	timeout := 10 * time.Second
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Veriflow-Event", evt.Type)
	req.Header.Set("X-Veriflow-Delivery", uuid.NewString())
	req.Header.Set("X-Veriflow-Cycle", fmt.Sprintf("%d", evt.CycleID))
	if hook.Secret != "" {
		req.Header.Set("X-Veriflow-Secret", hook.Secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", hook.URL, resp.StatusCode)
	}
	return nil
}

// eventFilter matches an event type against the hook's subscription list.
// An empty list subscribes to everything. Entries may be exact types or a
// "prefix.*" wildcard.
func eventFilter(subscribed []string, evtType string) bool {
	if len(subscribed) == 0 {
		return true
	}
	for _, want := range subscribed {
		if want == evtType || want == "*" {
			return true
		}
		if n := len(want); n > 2 && want[n-2:] == ".*" && len(evtType) >= n-1 && evtType[:n-1] == want[:n-1] {
			return true
		}
	}
	return false
}
