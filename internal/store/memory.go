package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/docuflow/docuflow/internal/models"
)

// Memory is an in-process store backed by maps. All methods are
// thread-safe; records are copied on the way in and out so callers can
// never mutate stored state directly.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.JobRecord
	subs map[string]*models.WebhookSubscription
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.JobRecord),
		subs: make(map[string]*models.WebhookSubscription),
	}
}

func (m *Memory) CreateJob(_ context.Context, job *models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, ids []string) ([]*models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.JobRecord, 0, len(ids))
	for _, id := range ids {
		job, ok := m.jobs[id]
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, from, to models.JobStatus, mutate func(*models.JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != from {
		return fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, from, ErrConflict)
	}
	next := job.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	m.jobs[id] = next
	return nil
}

func (m *Memory) CreateSubscription(_ context.Context, sub *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("create subscription %s: %w", sub.ID, ErrConflict)
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return sub.Clone(), nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.WebhookSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.Clone())
	}
	slices.SortFunc(out, func(a, b *models.WebhookSubscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateSubscription(_ context.Context, id string, mutate func(*models.WebhookSubscription) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	next := sub.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	m.subs[id] = next
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	delete(m.subs, id)
	return nil
}
