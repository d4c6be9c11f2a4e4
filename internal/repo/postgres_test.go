package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/church-dispatch/internal/migrate"
	"github.com/LeventeLantos/church-dispatch/internal/model"
)

// newPostgresStore connects to TEST_POSTGRES_URL and truncates every table.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrate.Run(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE reminder_firings, reminder_definitions, jobs, contacts, conversation_turns RESTART IDENTITY`)
	require.NoError(t, err)

	return NewPostgresStore(db, PostgresConfig{Retry: DefaultRetryPolicy()})
}

func TestPostgres_ClaimLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	cid, err := s.CreateContact(ctx, model.Contact{Name: "Ana", Phone: "+15550000001", Active: true})
	require.NoError(t, err)

	id, err := s.Enqueue(ctx, model.Job{ContactID: &cid, Channel: model.ChannelText, Body: "hi"})
	require.NoError(t, err)

	j, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, "+15550000001", j.Destination)
	assert.Equal(t, 1, j.AttemptCount)

	_, err = s.ClaimNext(ctx, "w2")
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	ok, err := s.MarkFailed(ctx, id, "w1", "timeout", true)
	require.NoError(t, err)
	require.True(t, ok)

	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FailedRetryable, j.Status)
	require.NotNil(t, j.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *j.NextRetryAt, 5*time.Second)
}

func TestPostgres_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	cid, err := s.CreateContact(ctx, model.Contact{Name: "Ana", Phone: "+15550000001", Active: true})
	require.NoError(t, err)
	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(ctx, model.Job{ContactID: &cid, Channel: model.ChannelText, Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(ctx, worker)
				if errors.Is(err, model.ErrNoJobsAvailable) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestPostgres_FireReminderOnce(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	cid, err := s.CreateContact(ctx, model.Contact{Name: "Ana", Phone: "+15550000001", Active: true})
	require.NoError(t, err)
	defID, err := s.CreateReminder(ctx, model.ReminderDefinition{
		Name: "Picnic", Body: "Picnic today", Channel: model.ChannelText,
		Kind: model.Once, Date: "2026-03-01", TimeOfDay: "12:00",
	})
	require.NoError(t, err)

	req := FireRequest{
		DefinitionID: defID,
		FireKey:      "2026-03-01T12:00",
		Deactivate:   true,
		Jobs:         []model.Job{{ContactID: &cid, Channel: model.ChannelText, Body: "Picnic today"}},
	}
	res, err := s.FireReminder(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Len(t, res.JobIDs, 1)

	res, err = s.FireReminder(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Fired)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.Queued])
}

func TestPostgres_DuplicateExternalID(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	_, err := s.CreateContact(ctx, model.Contact{ExternalID: "pc-1", Name: "A", Phone: "+15550000001", Active: true})
	require.NoError(t, err)
	_, err = s.CreateContact(ctx, model.Contact{ExternalID: "pc-1", Name: "B", Phone: "+15550000002", Active: true})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestPostgres_DeactivateContact(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a, err := s.CreateContact(ctx, model.Contact{Name: "A", Phone: "+15550000001", Active: true})
	require.NoError(t, err)
	_, err = s.CreateContact(ctx, model.Contact{Name: "B", Phone: "+15550000002", Active: true})
	require.NoError(t, err)

	require.NoError(t, s.DeactivateContact(ctx, a))
	require.ErrorIs(t, s.DeactivateContact(ctx, 999), model.ErrNotFound)

	active, err := s.ListActiveContacts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, a, active[0].ID)

	all, err := s.ListContacts(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
