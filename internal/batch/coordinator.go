// Package batch fans a collection of source files into concurrent
// pipeline runs and aggregates their status for progress reporting.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/docuflow/internal/activity"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/store"
)

// DefaultConcurrency bounds parallel pipeline runs when no explicit limit
// is configured. Unbounded fan-out against an external processor is the
// main resource-exhaustion risk here, so the limit is never zero.
const DefaultConcurrency = 4

// Source is one file offered for processing.
type Source struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Coordinator creates job records for batch submissions and dispatches
// legal items into a bounded worker pool. Illegal conversions fail fast
// without ever touching the processor.
type Coordinator struct {
	graph    *format.Graph
	store    store.JobStore
	pipe     *pipeline.Pipeline
	activity activity.Recorder
	metrics  *metrics.Collector
	logger   *slog.Logger

	sem chan struct{}

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a coordinator.
func New(graph *format.Graph, st store.JobStore, pipe *pipeline.Pipeline, rec activity.Recorder, logger *slog.Logger, opts ...Option) *Coordinator {
	if rec == nil {
		rec = activity.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		graph:    graph,
		store:    st,
		pipe:     pipe,
		activity: rec,
		logger:   logger,
		sem:      make(chan struct{}, DefaultConcurrency),
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitBatch creates one conversion job per source and starts dispatch.
// Sources whose conversion to the target is illegal are recorded as failed
// with reason unsupported_conversion and never dispatched; the remaining
// items proceed independently of each other's outcome.
func (c *Coordinator) SubmitBatch(ctx context.Context, sources []Source, targetFormat string, opts models.Options) (*Run, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if err := opts.Validate(models.KindConversion); err != nil {
		return nil, err
	}

	start := time.Now()
	run := c.newRun()

	var legal []string
	for _, src := range sources {
		job := models.NewJob(models.KindConversion, src.Name, src.Format, targetFormat, opts)
		if !c.graph.IsLegal(src.Format, targetFormat) {
			c.failImmediately(ctx, job)
		} else {
			legal = append(legal, job.ID)
		}
		if err := c.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create batch job: %w", err)
		}
		run.items = append(run.items, job.ID)
	}

	c.register(run)
	c.dispatch(run, legal)
	c.metrics.Record(metrics.OpBatchSubmit, time.Since(start), false)
	c.logger.Info("batch submitted",
		"batch_id", run.ID,
		"items", len(sources),
		"rejected", len(sources)-len(legal),
		"target_format", targetFormat)
	return run, nil
}

// SubmitOCRBatch creates one OCR job per source. Sources in formats OCR
// cannot read fail fast, mirroring illegal conversions.
func (c *Coordinator) SubmitOCRBatch(ctx context.Context, sources []Source, opts models.Options) (*Run, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if err := opts.Validate(models.KindOCR); err != nil {
		return nil, err
	}

	start := time.Now()
	run := c.newRun()

	var legal []string
	for _, src := range sources {
		job := models.NewJob(models.KindOCR, src.Name, src.Format, "", opts)
		if !format.CanOCR(src.Format) {
			c.failImmediately(ctx, job)
		} else {
			legal = append(legal, job.ID)
		}
		if err := c.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create batch job: %w", err)
		}
		run.items = append(run.items, job.ID)
	}

	c.register(run)
	c.dispatch(run, legal)
	c.metrics.Record(metrics.OpBatchSubmit, time.Since(start), false)
	c.logger.Info("ocr batch submitted", "batch_id", run.ID, "items", len(sources), "rejected", len(sources)-len(legal))
	return run, nil
}

// Enqueue dispatches a single already-created pending job (a retry or a
// derived translate/re-export job) through the coordinator's worker pool.
// It returns a single-item run for progress tracking.
func (c *Coordinator) Enqueue(job *models.JobRecord) *Run {
	run := c.newRun()
	run.items = []string{job.ID}
	c.register(run)
	c.dispatch(run, []string{job.ID})
	return run
}

// Get returns a registered run by id.
func (c *Coordinator) Get(runID string) (*Run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[runID]
	return run, ok
}

func (c *Coordinator) newRun() *Run {
	return &Run{
		ID:        uuid.New().String(),
		store:     c.store,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

func (c *Coordinator) register(run *Run) {
	c.mu.Lock()
	c.runs[run.ID] = run
	c.mu.Unlock()
}

// failImmediately marks a freshly built record failed before it is stored:
// the job never enters processing and no domain event is published.
func (c *Coordinator) failImmediately(ctx context.Context, job *models.JobRecord) {
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.FailureReason = models.ReasonUnsupportedConversion
	if job.Kind == models.KindOCR {
		job.FailureDetail = fmt.Sprintf("format %q is not a supported OCR input", job.SourceFormat)
	} else {
		job.FailureDetail = fmt.Sprintf("no conversion from %q to %q", job.SourceFormat, job.TargetFormat)
	}
	job.CompletedAt = &now

	c.activity.Record(ctx, activity.Entry{
		Type:       activity.TypeJobFailed,
		JobID:      job.ID,
		Reason:     string(models.ReasonUnsupportedConversion),
		OccurredAt: now,
	})
}

// dispatch feeds job ids through the bounded worker pool in submission
// order. Dispatch stops when the run is cancelled; items still queued at
// that point stay pending, items already running finish normally.
func (c *Coordinator) dispatch(run *Run, jobIDs []string) {
	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		var jobs sync.WaitGroup
		defer func() {
			jobs.Wait()
			close(run.done)
		}()

		for _, id := range jobIDs {
			if run.Cancelled() {
				c.logger.Info("batch cancelled, stopping dispatch", "batch_id", run.ID)
				return
			}
			c.sem <- struct{}{}
			// Re-check after a potentially long wait for a slot.
			if run.Cancelled() {
				<-c.sem
				c.logger.Info("batch cancelled, stopping dispatch", "batch_id", run.ID)
				return
			}
			jobs.Add(1)
			go func(jobID string) {
				defer jobs.Done()
				defer func() { <-c.sem }()
				if err := c.pipe.Run(context.Background(), jobID); err != nil {
					c.logger.Error("pipeline run failed", "batch_id", run.ID, "job_id", jobID, "error", err)
				}
			}(id)
		}
	}()
}
