package model

import "time"

type Status string

const (
	Queued          Status = "queued"
	InProgress      Status = "in_progress"
	Sent            Status = "sent"
	FailedRetryable Status = "failed_retryable"
	FailedPermanent Status = "failed_permanent"
)

func (s Status) Valid() bool {
	switch s {
	case Queued, InProgress, Sent, FailedRetryable, FailedPermanent:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == Sent || s == FailedPermanent
}

var transitions = map[Status][]Status{
	Queued: {InProgress},
	// A retry-ready job is claimed straight into InProgress; it passes through
	// Queued only logically.
	FailedRetryable: {Queued, InProgress},
	// InProgress -> Queued is the lease-expiry requeue.
	InProgress: {Sent, FailedRetryable, FailedPermanent, Queued},
}

// CanTransition reports whether the job state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Channel string

const (
	ChannelText  Channel = "text"
	ChannelVoice Channel = "voice"
)

func (c Channel) Valid() bool {
	return c == ChannelText || c == ChannelVoice
}

type Job struct {
	ID           int64      `json:"id"`
	ContactID    *int64     `json:"contactId,omitempty"`
	Destination  string     `json:"destination"`
	Channel      Channel    `json:"channel"`
	Body         string     `json:"body"`
	Status       Status     `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	ProviderRef  *string    `json:"providerRef,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
	AttemptCount int        `json:"attemptCount"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	LeaseOwner   *string    `json:"leaseOwner,omitempty"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Validate checks the fields a caller supplies on enqueue. Contact resolution
// happens in the store.
func (j *Job) Validate() error {
	if !j.Channel.Valid() {
		return &ValidationError{Field: "channel", Message: "must be text or voice"}
	}
	if j.Body == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if j.ContactID == nil {
		if j.Destination == "" {
			return &ValidationError{Field: "contactId", Message: "a contact or destination is required"}
		}
		if !ValidE164(j.Destination) {
			return &ValidationError{Field: "destination", Message: "must be an E.164 phone number"}
		}
	}
	return nil
}

// JobStats counts jobs per status.
type JobStats map[Status]int
