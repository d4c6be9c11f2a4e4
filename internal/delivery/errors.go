// Package delivery classifies failures returned by the telephony provider.
//
// Clients wrap provider responses with Transient or Permanent; anything left
// unwrapped is treated as transient so the dispatcher retries it within the
// bounded attempt budget.
package delivery

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Transient marks err as retryable (network, timeout, provider 5xx/429).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Permanent marks err as non-retryable (invalid destination, rejected content).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}

// Classify returns the retry class for err. Explicit markers win; timeouts and
// transport errors are transient, as is anything unrecognised.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var p permanentError
	if errors.As(err, &p) {
		return KindPermanent
	}
	var t transientError
	if errors.As(err, &t) {
		return KindTransient
	}

	// Timeouts, transport errors and unknown failures all retry.
	return KindTransient
}
