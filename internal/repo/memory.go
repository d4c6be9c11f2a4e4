package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/clock"
	"github.com/LeventeLantos/church-dispatch/internal/model"
)

// MemoryStore is a single-node Store. One mutex serialises every operation,
// which makes ClaimNext trivially exclusive across goroutines. State is lost on
// restart, so it is meant for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.TimeProvider
	retry RetryPolicy

	jobs      map[int64]*model.Job
	nextJobID int64

	contacts      map[int64]*model.Contact
	nextContactID int64

	reminders      map[int64]*model.ReminderDefinition
	nextReminderID int64
	firings        map[firingKey]struct{}

	turns      []model.ConversationTurn
	nextTurnID int64
}

type firingKey struct {
	definitionID int64
	key          string
}

type MemoryConfig struct {
	Clock clock.TimeProvider
	Retry RetryPolicy
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		clock:     c,
		retry:     cfg.Retry.normalized(),
		jobs:      make(map[int64]*model.Job),
		contacts:  make(map[int64]*model.Contact),
		reminders: make(map[int64]*model.ReminderDefinition),
		firings:   make(map[firingKey]struct{}),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, job model.Job) (int64, error) {
	ids, err := s.EnqueueBatch(ctx, []model.Job{job})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *MemoryStore) EnqueueBatch(ctx context.Context, jobs []model.Job) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertJobsLocked(jobs, false)
}

// insertJobsLocked validates every job before inserting any of them. With
// skipUnresolved, jobs whose contact vanished are dropped instead of failing
// the batch.
func (s *MemoryStore) insertJobsLocked(jobs []model.Job, skipUnresolved bool) ([]int64, error) {
	now := s.clock.Now().UTC()
	prepared := make([]model.Job, 0, len(jobs))
	for i, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if j.ContactID != nil {
			c, ok := s.contacts[*j.ContactID]
			if !ok || !c.Active {
				if skipUnresolved {
					continue
				}
				return nil, &model.ValidationError{
					Field:   "contactId",
					Message: fmt.Sprintf("contact %d does not resolve (job %d)", *j.ContactID, i),
				}
			}
			j.Destination = c.Phone
		}
		prepared = append(prepared, j)
	}

	ids := make([]int64, 0, len(prepared))
	for _, j := range prepared {
		s.nextJobID++
		stored := model.Job{
			ID:           s.nextJobID,
			ContactID:    cloneInt64(j.ContactID),
			Destination:  j.Destination,
			Channel:      j.Channel,
			Body:         j.Body,
			Status:       model.Queued,
			ScheduledFor: cloneTime(j.ScheduledFor),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.jobs[stored.ID] = &stored
		ids = append(ids, stored.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, workerID string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	var next *model.Job
	for _, j := range s.jobs {
		if !claimable(j, now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, model.ErrNoJobsAvailable
	}

	if err := setStatus(next, model.InProgress); err != nil {
		return nil, err
	}
	owner := workerID
	next.AttemptCount++
	next.LeaseOwner = &owner
	next.ClaimedAt = &now
	next.NextRetryAt = nil
	next.UpdatedAt = now

	out := cloneJob(next)
	return &out, nil
}

// setStatus moves j along the job state machine and refuses any other move.
func setStatus(j *model.Job, to model.Status) error {
	if !model.CanTransition(j.Status, to) {
		return fmt.Errorf("job %d %s -> %s: %w", j.ID, j.Status, to, model.ErrInvalidTransition)
	}
	j.Status = to
	return nil
}

func claimable(j *model.Job, now time.Time) bool {
	switch j.Status {
	case model.Queued:
		return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
	case model.FailedRetryable:
		return j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	}
	return false
}

// claimsBefore orders by scheduled-for (falling back to creation time), then
// creation time, then id.
func claimsBefore(a, b *model.Job) bool {
	ka, kb := a.CreatedAt, b.CreatedAt
	if a.ScheduledFor != nil {
		ka = *a.ScheduledFor
	}
	if b.ScheduledFor != nil {
		kb = *b.ScheduledFor
	}
	if !ka.Equal(kb) {
		return ka.Before(kb)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) heldLocked(id int64, workerID string) *model.Job {
	j, ok := s.jobs[id]
	if !ok || j.Status != model.InProgress || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return nil
	}
	return j
}

func (s *MemoryStore) MarkSent(ctx context.Context, id int64, workerID, providerRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.heldLocked(id, workerID)
	if j == nil {
		return false, nil
	}
	if err := setStatus(j, model.Sent); err != nil {
		return false, err
	}
	now := s.clock.Now().UTC()
	ref := providerRef
	j.SentAt = &now
	j.ProviderRef = &ref
	j.LastError = nil
	j.LeaseOwner = nil
	j.ClaimedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, workerID, errMsg string, retryable bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.heldLocked(id, workerID)
	if j == nil {
		return false, nil
	}
	retry := retryable && s.retry.CanRetry(j.AttemptCount)
	to := model.FailedPermanent
	if retry {
		to = model.FailedRetryable
	}
	if err := setStatus(j, to); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	msg := errMsg
	j.LastError = &msg
	j.LeaseOwner = nil
	j.ClaimedAt = nil
	j.UpdatedAt = now
	j.NextRetryAt = nil
	if retry {
		next := now.Add(s.retry.Delay(j.AttemptCount))
		j.NextRetryAt = &next
	}
	return true, nil
}

func (s *MemoryStore) RequeueExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*model.Job
	for _, j := range s.jobs {
		if j.Status == model.InProgress && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].ClaimedAt.Before(*expired[b].ClaimedAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}

	now := s.clock.Now().UTC()
	for _, j := range expired {
		to := model.Queued
		if !s.retry.CanRetry(j.AttemptCount) {
			to = model.FailedPermanent
		}
		if err := setStatus(j, to); err != nil {
			return 0, err
		}
		j.LeaseOwner = nil
		j.ClaimedAt = nil
		j.UpdatedAt = now
		if to == model.FailedPermanent {
			msg := leaseExhaustedMessage
			j.LastError = &msg
		}
	}
	return int64(len(expired)), nil
}

const leaseExhaustedMessage = "lease expired on final attempt"

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

func (s *MemoryStore) ListByContact(ctx context.Context, contactID int64, limit, offset int) ([]model.Job, error) {
	return s.listJobs(limit, offset, func(j *model.Job) bool {
		return j.ContactID != nil && *j.ContactID == contactID
	}), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Job, error) {
	if !status.Valid() {
		return nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return s.listJobs(limit, offset, func(j *model.Job) bool { return j.Status == status }), nil
}

// listJobs returns matching jobs newest first.
func (s *MemoryStore) listJobs(limit, offset int, match func(*model.Job) bool) []model.Job {
	limit, offset = normalizePage(limit, offset)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Stats(ctx context.Context) (model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(model.JobStats)
	for _, j := range s.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) CreateContact(ctx context.Context, c model.Contact) (int64, error) {
	if !model.ValidE164(c.Phone) {
		return 0, &model.ValidationError{Field: "phone", Message: "must be an E.164 phone number"}
	}
	if c.PreferredLanguage == "" {
		c.PreferredLanguage = "en"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.contacts {
		if c.ExternalID != "" && existing.ExternalID == c.ExternalID {
			return 0, fmt.Errorf("contact %q: %w", c.ExternalID, model.ErrConflict)
		}
	}
	s.nextContactID++
	c.ID = s.nextContactID
	c.CreatedAt = s.clock.Now().UTC()
	s.contacts[c.ID] = &c
	return c.ID, nil
}

func (s *MemoryStore) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *model.Contact
	for _, c := range s.contacts {
		if c.Phone != phone {
			continue
		}
		// Prefer the active, lowest-id match.
		if found == nil || (c.Active && !found.Active) || (c.Active == found.Active && c.ID < found.ID) {
			found = c
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	out := *found
	return &out, nil
}

func (s *MemoryStore) ListActiveContacts(ctx context.Context) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Contact
	for _, c := range s.contacts {
		if c.Active {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) ListContacts(ctx context.Context, activeOnly bool, limit, offset int) ([]model.Contact, error) {
	limit, offset = normalizePage(limit, offset)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Contact
	for _, c := range s.contacts {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeactivateContact(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return model.ErrNotFound
	}
	c.Active = false
	return nil
}

func (s *MemoryStore) CreateReminder(ctx context.Context, d model.ReminderDefinition) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextReminderID++
	d.ID = s.nextReminderID
	if d.Target == "" {
		d.Target = model.TargetAll
	}
	d.Active = true
	d.CreatedAt = s.clock.Now().UTC()
	s.reminders[d.ID] = &d
	return d.ID, nil
}

func (s *MemoryStore) ListReminders(ctx context.Context, activeOnly bool, limit, offset int) ([]model.ReminderDefinition, error) {
	limit, offset = normalizePage(limit, offset)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ReminderDefinition
	for _, d := range s.reminders {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeactivateReminder(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.reminders[id]
	if !ok {
		return model.ErrNotFound
	}
	d.Active = false
	return nil
}

func (s *MemoryStore) FireReminder(ctx context.Context, req FireRequest) (FireResult, error) {
	if err := ctx.Err(); err != nil {
		return FireResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.reminders[req.DefinitionID]
	if !ok {
		return FireResult{}, model.ErrNotFound
	}
	key := firingKey{definitionID: req.DefinitionID, key: req.FireKey}
	if !d.Active {
		return FireResult{}, nil
	}
	if _, seen := s.firings[key]; seen {
		return FireResult{}, nil
	}

	ids, err := s.insertJobsLocked(req.Jobs, true)
	if err != nil {
		return FireResult{}, err
	}
	s.firings[key] = struct{}{}
	if req.Deactivate {
		d.Active = false
	}
	return FireResult{Fired: true, JobIDs: ids}, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn model.ConversationTurn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTurnID++
	turn.ID = s.nextTurnID
	turn.ContactID = cloneInt64(turn.ContactID)
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	return turn.ID, nil
}

func (s *MemoryStore) RecentTurns(ctx context.Context, contactID int64, limit int) ([]model.ConversationTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ConversationTurn
	for i := len(s.turns) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.turns[i]
		if t.ContactID != nil && *t.ContactID == contactID {
			out = append(out, t)
		}
	}
	for a, b := 0, len(out)-1; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return out, nil
}

func cloneJob(j *model.Job) model.Job {
	out := *j
	out.ContactID = cloneInt64(j.ContactID)
	out.ScheduledFor = cloneTime(j.ScheduledFor)
	out.SentAt = cloneTime(j.SentAt)
	out.NextRetryAt = cloneTime(j.NextRetryAt)
	out.ClaimedAt = cloneTime(j.ClaimedAt)
	out.ProviderRef = cloneString(j.ProviderRef)
	out.LastError = cloneString(j.LastError)
	out.LeaseOwner = cloneString(j.LeaseOwner)
	return out
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
