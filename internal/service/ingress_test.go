package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/church-dispatch/internal/client"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
	"github.com/LeventeLantos/church-dispatch/internal/service"
)

// fakeLLM answers analysis prompts with analysis and everything else with reply.
type fakeLLM struct {
	mu       sync.Mutex
	analysis string
	reply    string
	lang     string
	summary  string
	err      error
	prompts  []string
	history  [][]client.ChatMessage
}

func (f *fakeLLM) Respond(ctx context.Context, prompt string, history []client.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.history = append(f.history, history)
	if f.err != nil {
		return "", f.err
	}
	if strings.HasPrefix(prompt, "Analyze this message") {
		return f.analysis, nil
	}
	return f.reply, nil
}

func (f *fakeLLM) DetectLanguage(ctx context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.lang, nil
}

func (f *fakeLLM) Summarize(ctx context.Context, history []client.ChatMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type memReplies struct {
	mu sync.Mutex
	m  map[string]string
}

func (r *memReplies) LookupReply(ctx context.Context, id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[id]
	return v, ok, nil
}

func (r *memReplies) RememberReply(ctx context.Context, id, reply string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		r.m[id] = reply
	}
	return nil
}

const pastor = "+19097630454"

func newIngressFixture(t *testing.T, llm *fakeLLM) (*repo.MemoryStore, *service.Ingress, int64) {
	t.Helper()
	store := repo.NewMemoryStore(repo.MemoryConfig{})
	cid, err := store.CreateContact(context.Background(), model.Contact{
		Name: "Maria", Phone: "+19095551234", PreferredLanguage: "es", Active: true,
	})
	require.NoError(t, err)
	in := service.NewIngress(store, store, store, llm, service.IngressConfig{AlertRecipients: []string{pastor}})
	return store, in, cid
}

func alertJobs(t *testing.T, store *repo.MemoryStore) []model.Job {
	t.Helper()
	jobs, err := store.ListByStatus(context.Background(), model.Queued, 0, 0)
	require.NoError(t, err)
	var out []model.Job
	for _, j := range jobs {
		if j.Destination == pastor {
			out = append(out, j)
		}
	}
	return out
}

func TestIngress_PrayerRequestAlertsPastor(t *testing.T) {
	llm := &fakeLLM{
		analysis: "```json\n{\"is_prayer_request\": true, \"needs_pastoral_care\": false, \"intent\": \"prayer_request\"}\n```",
		reply:    "Estamos orando por ti.",
		lang:     "ES",
	}
	store, in, cid := newIngressFixture(t, llm)
	ctx := context.Background()

	reply, err := in.HandleMessage(ctx, service.InboundMessage{From: "+1 (909) 555-1234", Body: "Please pray for my father", MessageID: "SM1"})
	require.NoError(t, err)
	in.Wait()

	assert.Equal(t, "Estamos orando por ti.", reply.Text)
	assert.Equal(t, "es", reply.Language)
	assert.Equal(t, "prayer_request", reply.Intent)
	assert.True(t, reply.NeedsPastoralCare)
	assert.False(t, reply.Degraded)

	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.Inbound, turns[0].Direction)
	assert.Equal(t, model.Outbound, turns[1].Direction)
	assert.True(t, turns[1].NeedsPastoralCare)

	alerts := alertJobs(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Prayer Request from Maria:\n\nPlease pray for my father\n\nAI Response sent: Estamos orando por ti.", alerts[0].Body)
	assert.Nil(t, alerts[0].ContactID)
}

func TestIngress_KeywordFallbackWhenLLMDown(t *testing.T) {
	llm := &fakeLLM{err: errors.New("llm unavailable")}
	store, in, _ := newIngressFixture(t, llm)

	reply, err := in.HandleMessage(context.Background(), service.InboundMessage{From: "+19095551234", Body: "My wife is in the HOSPITAL"})
	require.NoError(t, err)
	in.Wait()

	assert.True(t, reply.Degraded)
	assert.True(t, reply.NeedsPastoralCare)
	assert.Equal(t, "prayer_request", reply.Intent)
	assert.Equal(t, "es", reply.Language, "falls back to the contact preference")
	assert.NotEmpty(t, reply.Text)
	assert.Len(t, alertJobs(t, store), 1)
}

func TestIngress_RoutineMessageDoesNotAlert(t *testing.T) {
	llm := &fakeLLM{
		analysis: `{"is_prayer_request": false, "needs_pastoral_care": false, "intent": "question"}`,
		reply:    "Service is at 10 AM.",
		lang:     "en",
	}
	store, in, _ := newIngressFixture(t, llm)

	reply, err := in.HandleMessage(context.Background(), service.InboundMessage{From: "+19095551234", Body: "When is service? I need help finding it"})
	require.NoError(t, err)
	in.Wait()

	assert.False(t, reply.NeedsPastoralCare, "model answer wins over keywords")
	assert.Equal(t, "question", reply.Intent)
	assert.Empty(t, alertJobs(t, store))
}

func TestIngress_UnknownSenderGetsWelcome(t *testing.T) {
	llm := &fakeLLM{reply: "should not be used"}
	_, in, _ := newIngressFixture(t, llm)

	reply, err := in.HandleMessage(context.Background(), service.InboundMessage{From: "+15550009999", Body: "hi"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Please share your name")
	assert.Empty(t, llm.prompts)
}

func TestIngress_HistoryExcludesCurrentMessage(t *testing.T) {
	llm := &fakeLLM{analysis: `{"intent":"greeting"}`, reply: "Hello!", lang: "en"}
	_, in, _ := newIngressFixture(t, llm)
	ctx := context.Background()

	_, err := in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "first"})
	require.NoError(t, err)
	_, err = in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "second"})
	require.NoError(t, err)

	// Second analysis call sees the first exchange only.
	hist := llm.history[2]
	require.Len(t, hist, 2)
	assert.Equal(t, client.ChatMessage{Role: "user", Content: "first"}, hist[0])
	assert.Equal(t, client.ChatMessage{Role: "assistant", Content: "Hello!"}, hist[1])
}

func TestIngress_DuplicateMessageIDReturnsFirstReply(t *testing.T) {
	llm := &fakeLLM{analysis: `{"intent":"greeting"}`, reply: "Hello!", lang: "en"}
	store, in, cid := newIngressFixture(t, llm)
	in.WithReplyCache(&memReplies{m: map[string]string{}})
	ctx := context.Background()

	first, err := in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "hi", MessageID: "SM42"})
	require.NoError(t, err)
	llm.reply = "Different"
	second, err := in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "hi", MessageID: "SM42"})
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestIngress_Voicemail(t *testing.T) {
	llm := &fakeLLM{}
	store, in, cid := newIngressFixture(t, llm)
	ctx := context.Background()

	require.NoError(t, in.HandleVoicemail(ctx, service.Voicemail{From: "+19095551234", Transcript: "Please pray for us", CallID: "CA1"}))
	require.NoError(t, in.HandleVoicemail(ctx, service.Voicemail{From: "+19095551234", Transcript: "See you Sunday", CallID: "CA2"}))
	require.NoError(t, in.HandleVoicemail(ctx, service.Voicemail{From: "+15550009999", Transcript: "pray", CallID: "CA3"}))
	in.Wait()

	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "[Voicemail] Please pray for us", turns[0].Text)
	assert.True(t, turns[0].NeedsPastoralCare)
	assert.False(t, turns[1].NeedsPastoralCare)

	alerts := alertJobs(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Prayer Request (Voicemail) from Maria:\n\nPlease pray for us", alerts[0].Body)
	assert.Empty(t, llm.prompts)
}

func TestIngress_Summarize(t *testing.T) {
	llm := &fakeLLM{analysis: `{"intent":"greeting"}`, reply: "Hello!", lang: "en", summary: "Maria said hi."}
	_, in, cid := newIngressFixture(t, llm)
	ctx := context.Background()

	s, err := in.Summarize(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, "No conversation yet.", s)

	_, err = in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "hi"})
	require.NoError(t, err)

	s, err = in.Summarize(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, "Maria said hi.", s)

	llm.err = errors.New("down")
	s, err = in.Summarize(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, "Conversation summary unavailable", s)

	_, err = in.Summarize(ctx, 999)
	require.ErrorIs(t, err, model.ErrNotFound)
}

// brokenQueue rejects every batch enqueue.
type brokenQueue struct {
	*repo.MemoryStore
	mu    sync.Mutex
	calls int
}

func (q *brokenQueue) EnqueueBatch(ctx context.Context, jobs []model.Job) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return nil, errors.New("queue unavailable")
}

func TestIngress_AlertEnqueueFailureKeepsReply(t *testing.T) {
	llm := &fakeLLM{
		analysis: `{"is_prayer_request": true, "needs_pastoral_care": true, "intent": "prayer_request"}`,
		reply:    "We are praying for you.",
		lang:     "en",
	}
	store := repo.NewMemoryStore(repo.MemoryConfig{})
	ctx := context.Background()
	cid, err := store.CreateContact(ctx, model.Contact{Name: "Maria", Phone: "+19095551234", Active: true})
	require.NoError(t, err)
	queue := &brokenQueue{MemoryStore: store}
	in := service.NewIngress(store, store, queue, llm, service.IngressConfig{AlertRecipients: []string{pastor}})

	reply, err := in.HandleMessage(ctx, service.InboundMessage{From: "+19095551234", Body: "Please pray for my mother", MessageID: "SM9"})
	require.NoError(t, err)
	in.Wait()

	assert.Equal(t, "We are praying for you.", reply.Text)
	assert.True(t, reply.NeedsPastoralCare)

	queue.mu.Lock()
	assert.Equal(t, 1, queue.calls)
	queue.mu.Unlock()
	assert.Empty(t, alertJobs(t, store))

	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.Inbound, turns[0].Direction)
	assert.Equal(t, model.Outbound, turns[1].Direction)
	assert.True(t, turns[1].NeedsPastoralCare)

	// Voicemail alerts degrade the same way.
	require.NoError(t, in.HandleVoicemail(ctx, service.Voicemail{From: "+19095551234", Transcript: "please pray, my husband is in the hospital", CallID: "CA1"}))
	in.Wait()
	queue.mu.Lock()
	assert.Equal(t, 2, queue.calls)
	queue.mu.Unlock()
}

func TestIngress_SpeechContinuesConversation(t *testing.T) {
	llm := &fakeLLM{reply: "We will pray with you."}
	store, in, cid := newIngressFixture(t, llm)
	ctx := context.Background()

	first, err := in.HandleSpeech(ctx, service.Speech{From: "+19095551234", Text: "When is the service?", CallID: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, "We will pray with you.", first.Text)
	assert.Equal(t, "es", first.Language)
	assert.False(t, first.NeedsPastoralCare)

	second, err := in.HandleSpeech(ctx, service.Speech{From: "+19095551234", Text: "Please pray for my son", CallID: "CA1"})
	require.NoError(t, err)
	in.Wait()
	assert.True(t, second.NeedsPastoralCare)

	// The second reply sees the first exchange after the system guide.
	hist := llm.history[1]
	require.Len(t, hist, 3)
	assert.Equal(t, "system", hist[0].Role)
	assert.Equal(t, client.ChatMessage{Role: "user", Content: "[Call] When is the service?"}, hist[1])
	assert.Equal(t, client.ChatMessage{Role: "assistant", Content: "We will pray with you."}, hist[2])

	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 4)

	alerts := alertJobs(t, store)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Prayer Request (Call) from Maria:\n\nPlease pray for my son", alerts[0].Body)
}

func TestIngress_SpeechEdgeCases(t *testing.T) {
	llm := &fakeLLM{reply: "Welcome, friend."}
	store, in, cid := newIngressFixture(t, llm)
	ctx := context.Background()

	silent, err := in.HandleSpeech(ctx, service.Speech{From: "+19095551234", Text: "  ", CallID: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, service.SpeechRetry, silent.Text)
	assert.Empty(t, llm.prompts)

	guest, err := in.HandleSpeech(ctx, service.Speech{From: "+15550009999", Text: "Hello?", CallID: "CA2"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome, friend.", guest.Text)
	require.Len(t, llm.history, 1)
	assert.Len(t, llm.history[0], 1, "unknown callers get no history")

	llm.err = errors.New("down")
	degraded, err := in.HandleSpeech(ctx, service.Speech{From: "+19095551234", Text: "Are you there?", CallID: "CA3"})
	require.NoError(t, err)
	assert.True(t, degraded.Degraded)
	assert.Equal(t, service.FallbackReply, degraded.Text)

	turns, err := store.RecentTurns(ctx, cid, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestIngress_CallStatusSummarizesCompletedCalls(t *testing.T) {
	llm := &fakeLLM{reply: "See you Sunday.", summary: "Maria asked about Sunday."}
	_, in, _ := newIngressFixture(t, llm)
	ctx := context.Background()

	_, err := in.HandleSpeech(ctx, service.Speech{From: "+19095551234", Text: "Is there service Sunday?", CallID: "CA1"})
	require.NoError(t, err)

	summary, err := in.HandleCallStatus(ctx, service.CallStatus{CallID: "CA1", Status: "in-progress", Caller: "+19095551234"})
	require.NoError(t, err)
	assert.Empty(t, summary)

	summary, err = in.HandleCallStatus(ctx, service.CallStatus{CallID: "CA1", Status: "completed", Caller: "+1 (909) 555-1234"})
	require.NoError(t, err)
	assert.Equal(t, "Maria asked about Sunday.", summary)

	summary, err = in.HandleCallStatus(ctx, service.CallStatus{CallID: "CA2", Status: "completed", Caller: "+15550009999"})
	require.NoError(t, err)
	assert.Empty(t, summary)
}
