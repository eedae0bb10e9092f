package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/docuflow/docuflow/internal/models"
)

const (
	jobKeyPrefix = "docuflow:job:"
	subKeyPrefix = "docuflow:sub:"
	subIndexKey  = "docuflow:subs"

	// Optimistic transactions retry on WATCH conflicts up to this many
	// times before giving up with ErrConflict.
	redisTxRetries = 5
)

// Redis stores records as JSON strings, one key per record, with a set
// index for subscription listing. Compare-and-set transitions use WATCH
// so concurrent writers never clobber each other's updates.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed store from a connection URL
// (redis://host:port/db).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) CreateJob(ctx context.Context, job *models.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := r.client.SetNX(ctx, jobKeyPrefix+job.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	return nil
}

func (r *Redis) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	data, err := r.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (r *Redis) ListJobs(ctx context.Context, ids []string) ([]*models.JobRecord, error) {
	if len(ids) == 0 {
		return []*models.JobRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*models.JobRecord, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("job %s: %w", ids[i], ErrNotFound)
		}
		var job models.JobRecord
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", ids[i], err)
		}
		out = append(out, &job)
	}
	return out, nil
}

func (r *Redis) TransitionJob(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.JobRecord)) error {
	key := jobKeyPrefix + id
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var job models.JobRecord
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if job.Status != from {
			return fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, from, ErrConflict)
		}
		job.Status = to
		if mutate != nil {
			mutate(&job)
		}
		next, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: transaction retries exhausted: %w", id, ErrConflict)
}

func (r *Redis) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	ok, err := r.client.SetNX(ctx, subKeyPrefix+sub.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	if !ok {
		return fmt.Errorf("create subscription %s: %w", sub.ID, ErrConflict)
	}
	if err := r.client.SAdd(ctx, subIndexKey, sub.ID).Err(); err != nil {
		return fmt.Errorf("index subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (r *Redis) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	data, err := r.client.Get(ctx, subKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	var sub models.WebhookSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (r *Redis) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	ids, err := r.client.SMembers(ctx, subIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]*models.WebhookSubscription, 0, len(ids))
	for _, id := range ids {
		sub, err := r.GetSubscription(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry for a record deleted concurrently.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b *models.WebhookSubscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (r *Redis) UpdateSubscription(ctx context.Context, id string, mutate func(*models.WebhookSubscription) error) error {
	key := subKeyPrefix + id
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var sub models.WebhookSubscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription %s: %w", id, err)
		}
		if err := mutate(&sub); err != nil {
			return err
		}
		next, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("marshal subscription %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("subscription %s: transaction retries exhausted: %w", id, ErrConflict)
}

func (r *Redis) DeleteSubscription(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, subKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return r.client.SRem(ctx, subIndexKey, id).Err()
}
