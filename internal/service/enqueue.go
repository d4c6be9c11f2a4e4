package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

// EnqueueRequest targets either explicit contacts or every active contact.
type EnqueueRequest struct {
	ContactIDs  []int64
	AllActive   bool
	Channel     model.Channel
	Body        string
	ScheduledAt *time.Time
}

type Waker interface {
	Wake()
}

// Enqueuer turns a broadcast request into one job per recipient.
type Enqueuer struct {
	jobs       repo.JobStore
	contacts   repo.ContactDirectory
	contentMax int
	waker      Waker
}

func NewEnqueuer(jobs repo.JobStore, contacts repo.ContactDirectory, contentMax int, waker Waker) *Enqueuer {
	if contentMax <= 0 {
		contentMax = 1600
	}
	return &Enqueuer{jobs: jobs, contacts: contacts, contentMax: contentMax, waker: waker}
}

func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) ([]int64, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	targets := req.ContactIDs
	if req.AllActive {
		active, err := e.contacts.ListActiveContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active contacts: %w", err)
		}
		targets = make([]int64, 0, len(active))
		for _, c := range active {
			targets = append(targets, c.ID)
		}
	}
	if len(targets) == 0 {
		return []int64{}, nil
	}

	jobs := make([]model.Job, 0, len(targets))
	for _, id := range targets {
		cid := id
		jobs = append(jobs, model.Job{
			ContactID:    &cid,
			Channel:      req.Channel,
			Body:         req.Body,
			ScheduledFor: req.ScheduledAt,
		})
	}

	ids, err := e.jobs.EnqueueBatch(ctx, jobs)
	if err != nil {
		return nil, err
	}
	if e.waker != nil && (req.ScheduledAt == nil || !req.ScheduledAt.After(time.Now())) {
		e.waker.Wake()
	}
	return ids, nil
}

func (e *Enqueuer) validate(req EnqueueRequest) error {
	if req.AllActive == (len(req.ContactIDs) > 0) {
		return &model.ValidationError{Field: "contactIds", Message: "set either contactIds or allActive"}
	}
	if !req.Channel.Valid() {
		return &model.ValidationError{Field: "channel", Message: "must be text or voice"}
	}
	if req.Body == "" {
		return &model.ValidationError{Field: "body", Message: "must not be empty"}
	}
	if req.Channel == model.ChannelText && utf8.RuneCountInString(req.Body) > e.contentMax {
		return &model.ValidationError{Field: "body", Message: fmt.Sprintf("exceeds %d chars", e.contentMax)}
	}
	return nil
}
