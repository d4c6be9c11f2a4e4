package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/church-dispatch/internal/clock"
	"github.com/LeventeLantos/church-dispatch/internal/delivery"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
	"github.com/LeventeLantos/church-dispatch/internal/service"
)

type outcome struct {
	ref string
	err error
}

// fakeDelivery returns scripted outcomes in order, then repeats the last one.
type fakeDelivery struct {
	mu       sync.Mutex
	outcomes []outcome
	texts    []string
	calls    []string
}

func (f *fakeDelivery) next() (string, error) {
	if len(f.outcomes) == 0 {
		return "SM-default", nil
	}
	o := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return o.ref, o.err
}

func (f *fakeDelivery) SendText(ctx context.Context, destination, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, destination+"|"+body)
	return f.next()
}

func (f *fakeDelivery) PlaceCall(ctx context.Context, destination, scriptURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, destination+"|"+scriptURL)
	return f.next()
}

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newDispatchFixture(t *testing.T, fd *fakeDelivery) (*repo.MemoryStore, *clock.Fixed, *service.Dispatcher, int64) {
	t.Helper()
	clk := clock.NewFixed(start)
	store := repo.NewMemoryStore(repo.MemoryConfig{Clock: clk, Retry: repo.DefaultRetryPolicy()})
	cid, err := store.CreateContact(context.Background(), model.Contact{Name: "Grace", Phone: "+19095551234", Active: true})
	require.NoError(t, err)
	d := service.NewDispatcher(store, fd, service.DispatcherConfig{
		Workers:       2,
		ContentMax:    160,
		PublicBaseURL: "https://church.example",
	})
	return store, clk, d, cid
}

func enqueueText(t *testing.T, store *repo.MemoryStore, cid int64, body string) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), model.Job{ContactID: &cid, Channel: model.ChannelText, Body: body})
	require.NoError(t, err)
	return id
}

func TestDispatcher_SendsText(t *testing.T) {
	fd := &fakeDelivery{outcomes: []outcome{{ref: "SM123"}}}
	store, _, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id := enqueueText(t, store, cid, "Service at 10")

	var hooked []string
	d.WithSentHook(func(ctx context.Context, jobID int64, providerRef string, sentAt time.Time) error {
		hooked = append(hooked, providerRef)
		return nil
	})

	processed, err := d.ProcessOne(ctx, "w1")
	require.NoError(t, err)
	require.True(t, processed)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, j.Status)
	require.NotNil(t, j.ProviderRef)
	assert.Equal(t, "SM123", *j.ProviderRef)
	assert.NotNil(t, j.SentAt)
	assert.Equal(t, []string{"+19095551234|Service at 10"}, fd.texts)
	assert.Equal(t, []string{"SM123"}, hooked)
}

func TestDispatcher_RetriesTransientThenSends(t *testing.T) {
	fd := &fakeDelivery{outcomes: []outcome{
		{err: delivery.Transient(errors.New("503"))},
		{err: delivery.Transient(errors.New("timeout"))},
		{ref: "SM-ok"},
	}}
	store, clk, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id := enqueueText(t, store, cid, "hello")

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := d.ProcessOne(ctx, "w1")
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		j, err := store.Get(ctx, id)
		require.NoError(t, err)
		if j.NextRetryAt != nil {
			assert.Equal(t, model.FailedRetryable, j.Status)
			clk.Set(*j.NextRetryAt)
		}
	}

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, j.Status)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Len(t, fd.texts, 3)
}

func TestDispatcher_PermanentFailureStopsImmediately(t *testing.T) {
	fd := &fakeDelivery{outcomes: []outcome{{err: delivery.Permanent(errors.New("invalid number"))}}}
	store, clk, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id := enqueueText(t, store, cid, "hello")

	_, err := d.ProcessOne(ctx, "w1")
	require.NoError(t, err)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FailedPermanent, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "invalid number")

	clk.Add(time.Hour)
	processed, err := d.ProcessOne(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDispatcher_ExhaustsTransientBudget(t *testing.T) {
	fd := &fakeDelivery{outcomes: []outcome{{err: errors.New("connection reset")}}}
	store, clk, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id := enqueueText(t, store, cid, "hello")

	for i := 0; i < 10; i++ {
		if _, err := d.ProcessOne(ctx, "w1"); err != nil {
			t.Fatal(err)
		}
		clk.Add(time.Hour)
	}

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FailedPermanent, j.Status)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Len(t, fd.texts, 3)
}

func TestDispatcher_OversizedTextFailsWithoutCallingProvider(t *testing.T) {
	fd := &fakeDelivery{}
	store, _, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id := enqueueText(t, store, cid, strings.Repeat("x", 161))

	_, err := d.ProcessOne(ctx, "w1")
	require.NoError(t, err)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FailedPermanent, j.Status)
	assert.Empty(t, fd.texts)
}

func TestDispatcher_VoiceUsesScriptURL(t *testing.T) {
	fd := &fakeDelivery{outcomes: []outcome{{ref: "CA1"}}}
	store, _, d, cid := newDispatchFixture(t, fd)
	ctx := context.Background()
	id, err := store.Enqueue(ctx, model.Job{ContactID: &cid, Channel: model.ChannelVoice, Body: "Service is cancelled"})
	require.NoError(t, err)

	_, err = d.ProcessOne(ctx, "w1")
	require.NoError(t, err)

	require.Len(t, fd.calls, 1)
	assert.Equal(t, "+19095551234|https://church.example/v1/webhooks/voice/outbound?job=1", fd.calls[0])
	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, j.Status)
}

func TestDispatcher_RunDrainsQueueAndStops(t *testing.T) {
	fd := &fakeDelivery{}
	store, _, d, cid := newDispatchFixture(t, fd)
	for i := 0; i < 20; i++ {
		enqueueText(t, store, cid, "bulk")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(context.Background())
		return err == nil && stats[model.Sent] == 20
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Len(t, fd.texts, 20)
}
