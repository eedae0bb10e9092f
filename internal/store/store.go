// Package store persists job records and webhook subscriptions. Two
// implementations are provided: an in-memory store for single-process use
// and tests, and a Redis-backed store for deployments that share state.
package store

import (
	"context"
	"errors"

	"github.com/docuflow/docuflow/internal/models"
)

// Sentinel errors for store operations. Check with errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a compare-and-set transition observed a
	// different current status than expected.
	ErrConflict = errors.New("status transition conflict")
)

// JobStore persists job records. Status transitions are compare-and-set:
// TransitionJob only applies when the record's current status matches
// `from`, which gives the pipeline exclusive ownership of a processing
// record without external locking.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)

	// ListJobs returns records in the order of the given ids. Missing ids
	// produce an error; batch summaries must never silently drop items.
	ListJobs(ctx context.Context, ids []string) ([]*models.JobRecord, error)

	// TransitionJob atomically moves a job from one status to another,
	// applying mutate to the record before persisting. Returns ErrConflict
	// when the current status is not `from`.
	TransitionJob(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.JobRecord)) error
}

// WebhookStore persists webhook subscriptions. UpdateSubscription is
// atomic per subscription so concurrent deliveries for the same endpoint
// do not race on its failure counter.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)

	// ListSubscriptions returns all subscriptions, sorted by creation time.
	ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error)

	// UpdateSubscription atomically applies mutate to the stored record.
	// The mutate func may return an error to abort the update.
	UpdateSubscription(ctx context.Context, id string, mutate func(*models.WebhookSubscription) error) error

	DeleteSubscription(ctx context.Context, id string) error
}

// Store combines both stores; the memory and Redis implementations
// satisfy it.
type Store interface {
	JobStore
	WebhookStore
}
