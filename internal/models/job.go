// Package models defines data structures for the docuflow job pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes conversion jobs from OCR jobs.
type JobKind string

const (
	KindConversion JobKind = "conversion"
	KindOCR        JobKind = "ocr"
)

// JobStatus represents the state of a job in its lifecycle.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureReason classifies why a job reached the failed state.
type FailureReason string

const (
	ReasonUnsupportedConversion FailureReason = "unsupported_conversion"
	ReasonProcessorError        FailureReason = "processor_error"
	ReasonProcessorTimeout      FailureReason = "processor_timeout"
)

// JobResult holds processor output for a completed job.
type JobResult struct {
	OutputRef        string         `json:"output_ref"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Confidence       float64        `json:"confidence,omitempty"`
	PageCount        int            `json:"page_count,omitempty"`
	WordCount        int            `json:"word_count,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}

// JobRecord represents one unit of trackable work: a single file's
// conversion or OCR run. Records are created pending, mutated only through
// the pipeline's status transitions, and never deleted by this core.
type JobRecord struct {
	ID            string        `json:"id"`
	Kind          JobKind       `json:"kind"`
	SourceName    string        `json:"source_name,omitempty"`
	SourceFormat  string        `json:"source_format"`
	TargetFormat  string        `json:"target_format,omitempty"` // empty for OCR
	Status        JobStatus     `json:"status"`
	Options       Options       `json:"options"`
	Result        *JobResult    `json:"result,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`

	// RetriedFrom references the failed job this record is a retry of.
	RetriedFrom *string `json:"retried_from,omitempty"`
	// DerivedFrom references the completed OCR job a translate or
	// re-export record was chained onto.
	DerivedFrom *string `json:"derived_from,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job record with a fresh ID.
func NewJob(kind JobKind, sourceName, sourceFormat, targetFormat string, opts Options) *JobRecord {
	return &JobRecord{
		ID:           uuid.New().String(),
		Kind:         kind,
		SourceName:   sourceName,
		SourceFormat: sourceFormat,
		TargetFormat: targetFormat,
		Status:       StatusPending,
		Options:      opts,
		CreatedAt:    time.Now().UTC(),
	}
}

// Clone returns a deep copy of the record.
func (j *JobRecord) Clone() *JobRecord {
	cp := *j
	if j.Result != nil {
		res := *j.Result
		if j.Result.Metrics != nil {
			res.Metrics = make(map[string]any, len(j.Result.Metrics))
			for k, v := range j.Result.Metrics {
				res.Metrics[k] = v
			}
		}
		cp.Result = &res
	}
	if j.RetriedFrom != nil {
		v := *j.RetriedFrom
		cp.RetriedFrom = &v
	}
	if j.DerivedFrom != nil {
		v := *j.DerivedFrom
		cp.DerivedFrom = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
