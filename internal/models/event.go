package models

import "time"

// Event types published by the pipeline and deliverable to webhooks.
const (
	EventConversionCompleted = "conversion.completed"
	EventConversionFailed    = "conversion.failed"
	EventOCRCompleted        = "ocr.completed"
	EventOCRFailed           = "ocr.failed"
	EventWebhookTest         = "webhook.test"
)

// DomainEvent is an in-process notification of a job lifecycle transition.
// Events are ephemeral: consumed by subscribers, never persisted here.
type DomainEvent struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// CompletedEventType returns the completion event type for a job kind.
func CompletedEventType(kind JobKind) string {
	if kind == KindOCR {
		return EventOCRCompleted
	}
	return EventConversionCompleted
}

// FailedEventType returns the failure event type for a job kind.
func FailedEventType(kind JobKind) string {
	if kind == KindOCR {
		return EventOCRFailed
	}
	return EventConversionFailed
}
