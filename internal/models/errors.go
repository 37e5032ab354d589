package models

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a pipeline step; failures are reported against it.
type Stage string

const (
	StageRasterize  Stage = "rasterize"
	StageLocate     Stage = "locate"
	StageTranscribe Stage = "transcribe"
	StageNormalize  Stage = "normalize"
	StageDeliver    Stage = "deliver"
)

// ErrorKind is the taxonomy used in batch outcomes.
type ErrorKind string

const (
	KindDocumentDecode   ErrorKind = "DocumentDecodeError"
	KindPageRaster       ErrorKind = "PageRasterError"
	KindTransientOcr     ErrorKind = "TransientOcrError"
	KindPermanentOcr     ErrorKind = "PermanentOcrError"
	KindTransientAi      ErrorKind = "TransientAiError"
	KindPermanentAi      ErrorKind = "PermanentAiError"
	KindStoreUnavailable ErrorKind = "StoreUnavailableError"
	KindCancelled        ErrorKind = "Cancelled"
	KindUnknown          ErrorKind = "UnknownError"
)

// PipelineError carries a kind from the taxonomy around the underlying cause.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry may succeed.
func (e *PipelineError) Transient() bool {
	switch e.Kind {
	case KindTransientOcr, KindTransientAi, KindStoreUnavailable:
		return true
	}
	return false
}

func newKind(kind ErrorKind, err error) *PipelineError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &PipelineError{Kind: kind, Err: err}
}

func NewDocumentDecodeError(err error) error { return newKind(KindDocumentDecode, err) }
func NewPageRasterError(err error) error     { return newKind(KindPageRaster, err) }
func NewTransientOcrError(err error) error   { return newKind(KindTransientOcr, err) }
func NewPermanentOcrError(err error) error   { return newKind(KindPermanentOcr, err) }
func NewTransientAiError(err error) error    { return newKind(KindTransientAi, err) }
func NewPermanentAiError(err error) error    { return newKind(KindPermanentAi, err) }
func NewStoreUnavailableError(err error) error {
	return newKind(KindStoreUnavailable, err)
}

// KindOf returns the taxonomy kind of err. Context cancellation maps to
// KindCancelled; anything unclassified is KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Transient()
}

// IsDocumentDecode reports whether err aborts the whole batch.
func IsDocumentDecode(err error) bool {
	return KindOf(err) == KindDocumentDecode
}
