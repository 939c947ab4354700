package notify

import (
	"context"
	"log"
)

// Notifier delivers escalation and breach notices to a role. Delivery is
// fire-and-forget: a failed notification never fails the workflow operation
// that produced it.
type Notifier interface {
	Notify(ctx context.Context, role, template string, fields map[string]any)
}

// LogNotifier writes notifications to the process log. It is the default
// sink for local CLI use; webhook delivery runs separately in serve mode.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, role, template string, fields map[string]any) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify role=%s template=%s fields=%v", role, template, fields)
}

// Discard drops all notifications. Used in tests.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, map[string]any) {}
