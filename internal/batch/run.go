package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docuflow/docuflow/internal/models"
)

// jobLister is the slice of the job store a run needs for summaries.
type jobLister interface {
	ListJobs(ctx context.Context, ids []string) ([]*models.JobRecord, error)
}

// Run is an ephemeral, in-memory aggregate over the job records created by
// one batch submission. Items keep their submission order; the summary is
// recomputed from current record statuses on every call, never cached.
type Run struct {
	ID string

	items     []string
	store     jobLister
	createdAt time.Time
	cancelled atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// ItemStatus is the point-in-time view of one batch item.
type ItemStatus struct {
	JobID         string               `json:"job_id"`
	SourceName    string               `json:"source_name,omitempty"`
	SourceFormat  string               `json:"source_format"`
	TargetFormat  string               `json:"target_format,omitempty"`
	Status        models.JobStatus     `json:"status"`
	FailureReason models.FailureReason `json:"failure_reason,omitempty"`
}

// Summary is a point-in-time aggregate over a run's items.
type Summary struct {
	BatchID    string       `json:"batch_id"`
	Total      int          `json:"total"`
	Pending    int          `json:"pending"`
	Processing int          `json:"processing"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Cancelled  bool         `json:"cancelled"`
	Items      []ItemStatus `json:"items"`
}

// Done reports whether every counted item reached a terminal state.
func (s *Summary) Done() bool {
	return s.Pending == 0 && s.Processing == 0
}

// Items returns the job ids in submission order.
func (r *Run) Items() []string {
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out
}

// Summary reads current job statuses and aggregates them. It never blocks
// on in-flight jobs; the snapshot may be mid-batch and items may appear in
// any intermediate state.
func (r *Run) Summary(ctx context.Context) (*Summary, error) {
	jobs, err := r.store.ListJobs(ctx, r.items)
	if err != nil {
		return nil, fmt.Errorf("batch %s summary: %w", r.ID, err)
	}

	s := &Summary{
		BatchID:   r.ID,
		Total:     len(jobs),
		Cancelled: r.Cancelled(),
		Items:     make([]ItemStatus, 0, len(jobs)),
	}
	for _, job := range jobs {
		switch job.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusProcessing:
			s.Processing++
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
		}
		s.Items = append(s.Items, ItemStatus{
			JobID:         job.ID,
			SourceName:    job.SourceName,
			SourceFormat:  job.SourceFormat,
			TargetFormat:  job.TargetFormat,
			Status:        job.Status,
			FailureReason: job.FailureReason,
		})
	}
	return s, nil
}

// Cancel stops dispatch of still-queued items. Items already processing
// run to completion; partial conversion artifacts are not resumable, so
// in-flight processor calls are never interrupted.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (r *Run) Cancelled() bool {
	return r.cancelled.Load()
}

// Wait blocks until all dispatched items have finished or the context is
// done. Cancelled-before-dispatch items do not count.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
