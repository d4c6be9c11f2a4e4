package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

// JobStore owns Job persistence. Every status change goes through one of its
// conditional transitions; callers never write job fields directly.
type JobStore interface {
	Enqueue(ctx context.Context, job model.Job) (int64, error)
	EnqueueBatch(ctx context.Context, jobs []model.Job) ([]int64, error)

	// ClaimNext atomically moves the oldest claimable job to in_progress under
	// workerID. It returns model.ErrNoJobsAvailable when nothing is ready.
	ClaimNext(ctx context.Context, workerID string) (*model.Job, error)

	// MarkSent and MarkFailed report false when workerID no longer holds the
	// lease (the sweeper requeued the job).
	MarkSent(ctx context.Context, id int64, workerID, providerRef string) (bool, error)
	MarkFailed(ctx context.Context, id int64, workerID, errMsg string, retryable bool) (bool, error)

	// RequeueExpired releases in_progress jobs claimed before cutoff.
	RequeueExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	Get(ctx context.Context, id int64) (*model.Job, error)
	ListByContact(ctx context.Context, contactID int64, limit, offset int) ([]model.Job, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Job, error)
	Stats(ctx context.Context) (model.JobStats, error)
}

type ContactDirectory interface {
	CreateContact(ctx context.Context, c model.Contact) (int64, error)
	GetContact(ctx context.Context, id int64) (*model.Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error)
	ListActiveContacts(ctx context.Context) ([]model.Contact, error)
	ListContacts(ctx context.Context, activeOnly bool, limit, offset int) ([]model.Contact, error)
	// DeactivateContact soft-deletes a contact. History and jobs stay, but the
	// contact no longer receives broadcasts or reminders.
	DeactivateContact(ctx context.Context, id int64) error
}

// FireRequest describes one firing of a reminder definition.
type FireRequest struct {
	DefinitionID int64
	// FireKey identifies the firing slot (definition-local date and time);
	// a key is accepted at most once per definition.
	FireKey    string
	Deactivate bool
	Jobs       []model.Job
}

type FireResult struct {
	Fired  bool
	JobIDs []int64
}

type ReminderStore interface {
	CreateReminder(ctx context.Context, d model.ReminderDefinition) (int64, error)
	ListReminders(ctx context.Context, activeOnly bool, limit, offset int) ([]model.ReminderDefinition, error)
	DeactivateReminder(ctx context.Context, id int64) error

	// FireReminder performs the active check, firing-log insert, job inserts
	// and optional deactivation in one transaction. Fired is false when the
	// definition is inactive or the key was already recorded.
	FireReminder(ctx context.Context, req FireRequest) (FireResult, error)
}

type ConversationStore interface {
	AppendTurn(ctx context.Context, turn model.ConversationTurn) (int64, error)
	// RecentTurns returns up to limit turns for the contact, oldest first.
	RecentTurns(ctx context.Context, contactID int64, limit int) ([]model.ConversationTurn, error)
}

// Store is the full persistence surface used by cmd/messaging.
type Store interface {
	JobStore
	ContactDirectory
	ReminderStore
	ConversationStore
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
