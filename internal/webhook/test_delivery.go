package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/docuflow/docuflow/internal/models"
)

// TestResult is the raw outcome of a manual test delivery.
type TestResult struct {
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Body       string        `json:"body"`
	Err        string        `json:"error,omitempty"`
	Success    bool          `json:"success"`
}

// Test performs a single synchronous delivery of a synthetic event to the
// subscription's endpoint, bypassing its event filter, and returns the raw
// outcome. Test runs never touch the failure counter or the active flag,
// so they can never auto-disable a subscription.
func (d *Dispatcher) Test(ctx context.Context, subID string) (*TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("test subscription %s: %w", subID, err)
	}

	evt := models.DomainEvent{
		Type: models.EventWebhookTest,
		Payload: map[string]any{
			"subscription_id": subID,
			"message":         "test delivery",
		},
		OccurredAt: time.Now().UTC(),
	}
	body, err := NewEnvelope(evt).CanonicalBody()
	if err != nil {
		return nil, fmt.Errorf("test subscription %s: %w", subID, err)
	}

	start := time.Now()
	status, respBody, postErr := d.post(ctx, sub.URL, evt.Type, Sign(sub.Secret, body), body)
	result := &TestResult{
		StatusCode: status,
		Latency:    time.Since(start),
		Body:       string(respBody),
		Success:    postErr == nil && status >= 200 && status < 300,
	}
	if postErr != nil {
		result.Err = postErr.Error()
	}
	return result, nil
}
