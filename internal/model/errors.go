package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrInvalidTransition is a status change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrCapabilityDegraded marks a conversational capability failure that was
	// answered with a static fallback.
	ErrCapabilityDegraded = errors.New("conversational capability degraded")
)

// ValidationError is returned synchronously for bad input and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
