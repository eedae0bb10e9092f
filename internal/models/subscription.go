package models

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrNoEvents indicates a subscription created with an empty event set.
var ErrNoEvents = errors.New("subscription must select at least one event")

// WebhookSubscription is a registered external endpoint plus the event
// types and signing secret used to notify it. Active, FailureCount and
// LastTriggeredAt are mutated only by the webhook dispatcher.
type WebhookSubscription struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"secret"`
	Active          bool       `json:"active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewSubscription creates an active subscription with a generated secret.
// The secret is assigned once at creation and never regenerated implicitly.
func NewSubscription(url string, events []string) (*WebhookSubscription, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	return &WebhookSubscription{
		ID:        uuid.New().String(),
		URL:       url,
		Events:    slices.Clone(events),
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WantsEvent reports whether the subscription's event set contains the type.
func (s *WebhookSubscription) WantsEvent(eventType string) bool {
	return slices.Contains(s.Events, eventType)
}

// Clone returns a deep copy of the subscription.
func (s *WebhookSubscription) Clone() *WebhookSubscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastTriggeredAt != nil {
		v := *s.LastTriggeredAt
		cp.LastTriggeredAt = &v
	}
	return &cp
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
