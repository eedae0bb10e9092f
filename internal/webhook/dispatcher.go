// Package webhook matches published domain events to subscriptions and
// delivers signed payloads with bounded retry and backoff. Deliveries for
// one subscription are serialized in event-publish order; deliveries to
// different subscriptions are fully independent.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docuflow/docuflow/internal/activity"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/store"
)

// Delivery policy defaults. Retries are bounded and backoff grows
// monotonically; an immediate unbounded retry storm against a dead
// endpoint is the failure mode these exist to prevent.
const (
	DefaultMaxAttempts         = 5
	DefaultDeactivateThreshold = 10
	DefaultDeliveryTimeout     = 10 * time.Second
	DefaultBackoffInitial      = 500 * time.Millisecond
	DefaultBackoffMax          = 30 * time.Second
)

// ErrSubscriptionInactive indicates a delivery was skipped or abandoned
// because the subscription was deactivated.
var ErrSubscriptionInactive = errors.New("subscription is inactive")

// Dispatcher delivers events to subscribed endpoints.
type Dispatcher struct {
	store    store.WebhookStore
	client   *http.Client
	logger   *slog.Logger
	activity activity.Recorder
	metrics  *metrics.Collector

	maxAttempts         int
	deactivateThreshold int
	backoffInitial      time.Duration
	backoffMax          time.Duration

	mu      sync.Mutex
	queues  map[string][]models.DomainEvent
	running map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts bounds delivery attempts per event (including the first).
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDeactivateThreshold sets the failure count at which a subscription
// is turned off.
func WithDeactivateThreshold(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.deactivateThreshold = n
		}
	}
}

// WithBackoff sets the initial and maximum retry intervals.
func WithBackoff(initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.backoffInitial = initial
		}
		if max > 0 {
			d.backoffMax = max
		}
	}
}

// WithTimeout bounds a single delivery attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(st store.WebhookStore, rec activity.Recorder, logger *slog.Logger, opts ...Option) *Dispatcher {
	if rec == nil {
		rec = activity.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:               st,
		client:              &http.Client{Timeout: DefaultDeliveryTimeout},
		logger:              logger,
		activity:            rec,
		maxAttempts:         DefaultMaxAttempts,
		deactivateThreshold: DefaultDeactivateThreshold,
		backoffInitial:      DefaultBackoffInitial,
		backoffMax:          DefaultBackoffMax,
		queues:              make(map[string][]models.DomainEvent),
		running:             make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEvent routes a published event to every active subscription whose
// event set contains its type. It enqueues and returns immediately; bus
// delivery order per subscription is preserved by the per-subscription
// queue.
func (d *Dispatcher) OnEvent(evt models.DomainEvent) {
	subs, err := d.store.ListSubscriptions(context.Background())
	if err != nil {
		d.logger.Error("list subscriptions", "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Active || !sub.WantsEvent(evt.Type) {
			continue
		}
		d.enqueue(sub.ID, evt)
	}
}

// Close waits for all in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(subID string, evt models.DomainEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queues[subID] = append(d.queues[subID], evt)
	if !d.running[subID] {
		d.running[subID] = true
		d.wg.Add(1)
		go d.work(subID)
	}
}

// work drains one subscription's queue in order, then exits.
func (d *Dispatcher) work(subID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[subID]
		if len(queue) == 0 {
			d.running[subID] = false
			d.mu.Unlock()
			return
		}
		evt := queue[0]
		d.queues[subID] = queue[1:]
		d.mu.Unlock()

		d.deliverWithRetry(subID, evt)
	}
}

// deliverWithRetry attempts one (subscription × event) delivery up to
// maxAttempts times. Every failed attempt increments the subscription's
// failure count; a 2xx resets it. Exhaustion and deactivation are reported
// to the activity recorder so no delivery is ever silently dropped.
func (d *Dispatcher) deliverWithRetry(subID string, evt models.DomainEvent) {
	ctx := context.Background()

	sub, err := d.store.GetSubscription(ctx, subID)
	if err != nil {
		d.logger.Error("load subscription", "subscription_id", subID, "error", err)
		return
	}
	if !sub.Active {
		d.recordSkipped(ctx, subID, evt.Type)
		return
	}

	body, err := NewEnvelope(evt).CanonicalBody()
	if err != nil {
		d.logger.Error("build payload", "subscription_id", subID, "error", err)
		return
	}
	signature := Sign(sub.Secret, body)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.backoffInitial
	bo.MaxInterval = d.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		start := time.Now()
		status, _, err := d.post(ctx, sub.URL, evt.Type, signature, body)
		d.metrics.Record(metrics.OpWebhookDelivery, time.Since(start), err != nil || status < 200 || status >= 300)

		if err == nil && status >= 200 && status < 300 {
			d.markDelivered(ctx, subID)
			d.logger.Info("webhook delivered",
				"subscription_id", subID, "event", evt.Type, "attempt", attempt, "status", status)
			return
		}

		deactivated := d.markFailed(ctx, subID)
		d.logger.Warn("webhook delivery failed",
			"subscription_id", subID, "event", evt.Type, "attempt", attempt,
			"status", status, "error", err)
		if deactivated {
			d.logger.Warn("subscription deactivated", "subscription_id", subID)
			d.activity.Record(ctx, activity.Entry{
				Type:           activity.TypeWebhookDeactivated,
				SubscriptionID: subID,
				Event:          evt.Type,
				OccurredAt:     time.Now().UTC(),
			})
			return
		}

		if attempt < d.maxAttempts {
			time.Sleep(bo.NextBackOff())
			// The subscription may have been turned off while we waited.
			current, err := d.store.GetSubscription(ctx, subID)
			if err != nil || !current.Active {
				d.recordSkipped(ctx, subID, evt.Type)
				return
			}
		}
	}

	d.activity.Record(ctx, activity.Entry{
		Type:           activity.TypeWebhookExhausted,
		SubscriptionID: subID,
		Event:          evt.Type,
		Reason:         fmt.Sprintf("retry budget exhausted after %d attempts", d.maxAttempts),
		OccurredAt:     time.Now().UTC(),
	})
}

func (d *Dispatcher) post(ctx context.Context, url, eventType, signature string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, respBody, nil
}

func (d *Dispatcher) markDelivered(ctx context.Context, subID string) {
	err := d.store.UpdateSubscription(ctx, subID, func(s *models.WebhookSubscription) error {
		now := time.Now().UTC()
		s.FailureCount = 0
		s.LastTriggeredAt = &now
		return nil
	})
	if err != nil {
		d.logger.Error("update subscription after delivery", "subscription_id", subID, "error", err)
	}
}

// markFailed increments the failure counter and reports whether this
// update crossed the deactivation threshold.
func (d *Dispatcher) markFailed(ctx context.Context, subID string) bool {
	deactivated := false
	err := d.store.UpdateSubscription(ctx, subID, func(s *models.WebhookSubscription) error {
		s.FailureCount++
		if s.Active && s.FailureCount >= d.deactivateThreshold {
			s.Active = false
			deactivated = true
		}
		return nil
	})
	if err != nil {
		d.logger.Error("update subscription after failure", "subscription_id", subID, "error", err)
	}
	return deactivated
}

func (d *Dispatcher) recordSkipped(ctx context.Context, subID, eventType string) {
	d.activity.Record(ctx, activity.Entry{
		Type:           activity.TypeWebhookSkippedInactive,
		SubscriptionID: subID,
		Event:          eventType,
		Reason:         ErrSubscriptionInactive.Error(),
		OccurredAt:     time.Now().UTC(),
	})
}
