package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("no eligible account available")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrQuotaExhausted  = errors.New("monthly quota exhausted")
)

// StageError reports that a pipeline stage's own logic failed.
type StageError struct {
	Stage StageID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned by publishers when the platform asks the caller to back off.
type RateLimitError struct {
	ResetAt time.Time
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited until %s: %s", e.ResetAt.Format(time.RFC3339), e.Message)
}
