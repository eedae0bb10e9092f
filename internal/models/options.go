package models

import (
	"errors"
	"fmt"
)

// Quality levels accepted for conversion jobs.
const (
	QualityLow      = "low"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// ErrInvalidOptions indicates an option bag that does not fit the job kind.
var ErrInvalidOptions = errors.New("invalid job options")

// Options is the closed set of recognized job configuration flags.
// Which fields are legal depends on the job kind; Validate enforces that
// instead of silently coercing a mismatched bag.
type Options struct {
	// Conversion options.
	Quality          string `json:"quality,omitempty"`
	Compress         bool   `json:"compress,omitempty"`
	PreserveMetadata bool   `json:"preserve_metadata,omitempty"`

	// OCR options.
	OCRLanguage       string `json:"ocr_language,omitempty"`
	DetectTables      bool   `json:"detect_tables,omitempty"`
	DetectHandwriting bool   `json:"detect_handwriting,omitempty"`

	// TargetLanguage is set only on translate jobs derived from a
	// completed OCR job.
	TargetLanguage string `json:"target_language,omitempty"`
}

// Validate checks the option bag against the job kind.
func (o Options) Validate(kind JobKind) error {
	switch kind {
	case KindConversion:
		switch o.Quality {
		case "", QualityLow, QualityStandard, QualityHigh:
		default:
			return fmt.Errorf("%w: unknown quality %q", ErrInvalidOptions, o.Quality)
		}
		if o.OCRLanguage != "" || o.DetectTables || o.DetectHandwriting {
			return fmt.Errorf("%w: OCR options on a conversion job", ErrInvalidOptions)
		}
	case KindOCR:
		if o.Quality != "" || o.Compress || o.PreserveMetadata {
			return fmt.Errorf("%w: conversion options on an OCR job", ErrInvalidOptions)
		}
		if o.TargetLanguage != "" {
			return fmt.Errorf("%w: target_language is only valid on derived translate jobs", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidOptions, kind)
	}
	return nil
}
