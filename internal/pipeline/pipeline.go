// Package pipeline drives a single job through its lifecycle:
// pending → processing → completed or failed. Terminal states are final;
// a retry creates a new record referencing the failed one rather than
// reopening it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docuflow/docuflow/internal/activity"
	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/store"
)

// DefaultProcessTimeout bounds a single processor invocation when no
// explicit timeout is configured.
const DefaultProcessTimeout = 2 * time.Minute

// Pipeline owns job status transitions. A record in the processing state
// belongs exclusively to the pipeline run that moved it there; the store's
// compare-and-set transitions enforce that.
type Pipeline struct {
	store    store.JobStore
	proc     Processor
	bus      *bus.Bus
	activity activity.Recorder
	metrics  *metrics.Collector
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout overrides DefaultProcessTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// New creates a pipeline.
func New(st store.JobStore, proc Processor, b *bus.Bus, rec activity.Recorder, logger *slog.Logger, opts ...Option) *Pipeline {
	if rec == nil {
		rec = activity.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:    st,
		proc:     proc,
		bus:      b,
		activity: rec,
		logger:   logger,
		timeout:  DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one pending job to a terminal state. Calling Run on a job
// that is not pending returns ErrNotPending without touching the record.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	err := p.store.TransitionJob(ctx, jobID, models.StatusPending, models.StatusProcessing, func(j *models.JobRecord) {
		now := time.Now().UTC()
		j.StartedAt = &now
	})
	if errors.Is(err, store.ErrConflict) {
		p.logger.Warn("job not pending, skipping", "job_id", jobID)
		return fmt.Errorf("run job %s: %w", jobID, ErrNotPending)
	}
	if err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	procCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, procErr := p.proc.Process(procCtx, job)
	elapsed := time.Since(start)
	p.metrics.Record(metrics.OpProcessorCall, elapsed, procErr != nil)

	if procErr != nil {
		reason := models.ReasonProcessorError
		if errors.Is(procErr, context.DeadlineExceeded) || errors.Is(procCtx.Err(), context.DeadlineExceeded) {
			reason = models.ReasonProcessorTimeout
		}
		return p.fail(ctx, job, reason, procErr.Error())
	}
	return p.complete(ctx, job, result, elapsed)
}

func (p *Pipeline) complete(ctx context.Context, job *models.JobRecord, result *Result, elapsed time.Duration) error {
	processingTime := result.ProcessingTime
	if processingTime == 0 {
		processingTime = elapsed
	}
	jobResult := &models.JobResult{
		OutputRef:        result.OutputRef,
		ProcessingTimeMs: processingTime.Milliseconds(),
		Confidence:       result.Confidence,
		PageCount:        result.PageCount,
		WordCount:        result.WordCount,
		Metrics:          result.Metrics,
	}

	err := p.store.TransitionJob(ctx, job.ID, models.StatusProcessing, models.StatusCompleted, func(j *models.JobRecord) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Result = jobResult
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	p.logger.Info("job completed",
		"job_id", job.ID,
		"kind", job.Kind,
		"processing_time_ms", jobResult.ProcessingTimeMs)

	payload := map[string]any{
		"job_id":             job.ID,
		"source_format":      job.SourceFormat,
		"processing_time_ms": jobResult.ProcessingTimeMs,
	}
	if job.TargetFormat != "" {
		payload["target_format"] = job.TargetFormat
	}
	if jobResult.Confidence > 0 {
		payload["confidence"] = jobResult.Confidence
	}
	if jobResult.PageCount > 0 {
		payload["page_count"] = jobResult.PageCount
	}
	if jobResult.WordCount > 0 {
		payload["word_count"] = jobResult.WordCount
	}
	for k, v := range jobResult.Metrics {
		payload[k] = v
	}
	p.publish(models.CompletedEventType(job.Kind), payload)

	p.activity.Record(ctx, activity.Entry{
		Type:       activity.TypeJobCompleted,
		JobID:      job.ID,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job *models.JobRecord, reason models.FailureReason, detail string) error {
	err := p.store.TransitionJob(ctx, job.ID, models.StatusProcessing, models.StatusFailed, func(j *models.JobRecord) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.FailureReason = reason
		j.FailureDetail = detail
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	p.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "reason", reason, "detail", detail)

	p.publish(models.FailedEventType(job.Kind), map[string]any{
		"job_id":        job.ID,
		"source_format": job.SourceFormat,
		"reason":        string(reason),
	})
	p.activity.Record(ctx, activity.Entry{
		Type:       activity.TypeJobFailed,
		JobID:      job.ID,
		Reason:     string(reason),
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

func (p *Pipeline) publish(eventType string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(models.DomainEvent{
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
}

// Retry creates a fresh pending record for a failed job. The new record
// references the failed one via RetriedFrom; the failed record itself is
// never reopened. The caller is responsible for dispatching the new job.
func (p *Pipeline) Retry(ctx context.Context, failedID string) (*models.JobRecord, error) {
	old, err := p.store.GetJob(ctx, failedID)
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", failedID, err)
	}
	if old.Status != models.StatusFailed {
		return nil, fmt.Errorf("retry job %s (status %s): %w", failedID, old.Status, ErrNotRetryable)
	}

	job := models.NewJob(old.Kind, old.SourceName, old.SourceFormat, old.TargetFormat, old.Options)
	job.RetriedFrom = &old.ID
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("retry job %s: %w", failedID, err)
	}
	p.logger.Info("job retried", "job_id", job.ID, "retried_from", failedID)
	return job, nil
}

// Translate chains a translation onto a completed OCR job: the extracted
// text is rendered into the target language as a new text output.
func (p *Pipeline) Translate(ctx context.Context, ocrJobID, targetLanguage string) (*models.JobRecord, error) {
	src, err := p.derivableSource(ctx, ocrJobID)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(models.KindConversion, src.SourceName, "txt", "txt", models.Options{
		TargetLanguage: targetLanguage,
	})
	job.DerivedFrom = &src.ID
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("translate job %s: %w", ocrJobID, err)
	}
	p.logger.Info("translate job created", "job_id", job.ID, "derived_from", ocrJobID, "target_language", targetLanguage)
	return job, nil
}

// Reexport chains a re-export onto a completed OCR job: the extracted
// text is rendered into the requested document format. The target must be
// a legal conversion from plain text.
func (p *Pipeline) Reexport(ctx context.Context, ocrJobID, targetFormat string, graph *format.Graph) (*models.JobRecord, error) {
	src, err := p.derivableSource(ctx, ocrJobID)
	if err != nil {
		return nil, err
	}
	if !graph.IsLegal("txt", targetFormat) {
		return nil, fmt.Errorf("re-export to %q: %w", targetFormat, ErrNotDerivable)
	}

	job := models.NewJob(models.KindConversion, src.SourceName, "txt", targetFormat, models.Options{})
	job.DerivedFrom = &src.ID
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("re-export job %s: %w", ocrJobID, err)
	}
	p.logger.Info("re-export job created", "job_id", job.ID, "derived_from", ocrJobID, "target_format", targetFormat)
	return job, nil
}

func (p *Pipeline) derivableSource(ctx context.Context, ocrJobID string) (*models.JobRecord, error) {
	src, err := p.store.GetJob(ctx, ocrJobID)
	if err != nil {
		return nil, fmt.Errorf("derive from job %s: %w", ocrJobID, err)
	}
	if src.Kind != models.KindOCR || src.Status != models.StatusCompleted {
		return nil, fmt.Errorf("derive from job %s (kind %s, status %s): %w", ocrJobID, src.Kind, src.Status, ErrNotDerivable)
	}
	return src, nil
}
