// Package activity provides the audit sink for job and webhook terminal
// outcomes. The recorder is fire-and-forget: failures to record never
// propagate into the pipeline.
package activity

import (
	"context"
	"log/slog"
	"time"
)

// Entry types.
const (
	TypeJobCompleted           = "job.completed"
	TypeJobFailed              = "job.failed"
	TypeWebhookExhausted       = "webhook.delivery_exhausted"
	TypeWebhookDeactivated     = "webhook.deactivated"
	TypeWebhookSkippedInactive = "webhook.skipped_inactive"
)

// Entry is one terminal audit record.
type Entry struct {
	Type           string         `json:"type"`
	JobID          string         `json:"job_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Event          string         `json:"event,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Recorder receives terminal audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Slog logs entries as structured records.
type Slog struct {
	logger *slog.Logger
}

var _ Recorder = (*Slog)(nil)

// NewSlog creates a recorder writing to the given logger.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger}
}

func (r *Slog) Record(_ context.Context, e Entry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.logger.Info("activity",
		"activity_type", e.Type,
		"job_id", e.JobID,
		"subscription_id", e.SubscriptionID,
		"event", e.Event,
		"reason", e.Reason,
	)
}

// Noop discards all entries.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) Record(context.Context, Entry) {}
