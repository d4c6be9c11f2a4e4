package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/cache"
	"github.com/LeventeLantos/church-dispatch/internal/client"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

// Conversational is the LLM capability. Any error means a static fallback is
// used instead.
type Conversational interface {
	Respond(ctx context.Context, prompt string, history []client.ChatMessage) (string, error)
	DetectLanguage(ctx context.Context, text string) (string, error)
	Summarize(ctx context.Context, history []client.ChatMessage) (string, error)
}

const (
	historyTurns = 10

	welcomeReply     = "Thank you for contacting our church! Please share your name so we can assist you better."
	FallbackReply    = "Thank you for your message. We'll get back to you soon!"
	summaryFallback  = "Conversation summary unavailable"
	voicemailPrefix  = "[Voicemail] "
	callPrefix       = "[Call] "
	SpeechRetry      = "I didn't catch that. Could you please repeat?"
	alertEnqueueWait = 10 * time.Second
)

type IngressConfig struct {
	AlertRecipients []string
	LLMTimeout      time.Duration
	Logger          *slog.Logger
}

type Ingress struct {
	contacts repo.ContactDirectory
	turns    repo.ConversationStore
	jobs     repo.JobStore
	llm      Conversational
	replies  cache.ReplyCache
	waker    Waker
	cfg      IngressConfig
	logger   *slog.Logger

	alerts sync.WaitGroup
}

func NewIngress(contacts repo.ContactDirectory, turns repo.ConversationStore, jobs repo.JobStore, llm Conversational, cfg IngressConfig) *Ingress {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		contacts: contacts,
		turns:    turns,
		jobs:     jobs,
		llm:      llm,
		replies:  cache.Noop{},
		cfg:      cfg,
		logger:   logger.With("component", "ingress"),
	}
}

func (i *Ingress) WithReplyCache(c cache.ReplyCache) *Ingress {
	i.replies = c
	return i
}

func (i *Ingress) WithWaker(w Waker) *Ingress {
	i.waker = w
	return i
}

// InboundMessage is a member's text as delivered by the provider webhook.
type InboundMessage struct {
	From      string
	Body      string
	MessageID string
}

type Reply struct {
	Text              string
	Language          string
	Intent            string
	NeedsPastoralCare bool
	// Degraded is set when a static fallback replaced an LLM answer.
	Degraded bool
}

// HandleMessage records the inbound turn, classifies it and produces the
// reply. Alerts for pastoral follow-up are enqueued in the background; their
// failure never affects the reply.
func (i *Ingress) HandleMessage(ctx context.Context, msg InboundMessage) (Reply, error) {
	if cached, ok, err := i.replies.LookupReply(ctx, msg.MessageID); err != nil {
		i.logger.Warn("reply cache lookup failed", "message_id", msg.MessageID, "err", err)
	} else if ok {
		i.logger.Info("duplicate inbound message", "message_id", msg.MessageID)
		return Reply{Text: cached}, nil
	}

	phone := model.NormalizePhone(msg.From)
	contact, err := i.contacts.FindContactByPhone(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		i.logger.Warn("message from unknown number", "from", phone)
		if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
			Direction: model.Inbound,
			Text:      msg.Body,
			Language:  "en",
		}); err != nil {
			return Reply{}, fmt.Errorf("store inbound turn: %w", err)
		}
		return i.remember(ctx, msg.MessageID, Reply{Text: welcomeReply, Language: "en", Intent: "other"}), nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("find contact: %w", err)
	}

	cid := contact.ID
	if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
		ContactID: &cid,
		Direction: model.Inbound,
		Text:      msg.Body,
		Language:  preferredLanguage(contact),
	}); err != nil {
		return Reply{}, fmt.Errorf("store inbound turn: %w", err)
	}

	history, err := i.history(ctx, cid, true)
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{Language: i.detectLanguage(ctx, msg.Body, contact)}

	class, degraded := i.analyze(ctx, contact, msg.Body, history)
	reply.Intent = class.Intent
	reply.NeedsPastoralCare = class.NeedsPastoralCare
	reply.Degraded = degraded

	text, err := i.respond(ctx, contact, msg.Body, reply.Language, history)
	if err != nil {
		i.logger.Warn("reply generation degraded", "contact_id", cid, "err", fmt.Errorf("%w: %v", model.ErrCapabilityDegraded, err))
		text = FallbackReply
		reply.Degraded = true
	}
	reply.Text = text

	if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
		ContactID:         &cid,
		Direction:         model.Outbound,
		Text:              reply.Text,
		Language:          reply.Language,
		Intent:            reply.Intent,
		NeedsPastoralCare: reply.NeedsPastoralCare,
	}); err != nil {
		return Reply{}, fmt.Errorf("store outbound turn: %w", err)
	}

	if reply.NeedsPastoralCare {
		i.logger.Info("prayer request detected", "contact_id", cid, "intent", reply.Intent)
		i.alert(ctx, fmt.Sprintf("Prayer Request from %s:\n\n%s\n\nAI Response sent: %s", contact.Name, msg.Body, reply.Text))
	}
	return i.remember(ctx, msg.MessageID, reply), nil
}

// Voicemail is a transcribed voice message.
type Voicemail struct {
	From       string
	Transcript string
	CallID     string
}

// HandleVoicemail stores the transcript for a known member and alerts on
// keyword match. Transcripts from unknown numbers are dropped.
func (i *Ingress) HandleVoicemail(ctx context.Context, vm Voicemail) error {
	phone := model.NormalizePhone(vm.From)
	contact, err := i.contacts.FindContactByPhone(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		i.logger.Warn("voicemail from unknown number", "from", phone, "call_id", vm.CallID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find contact: %w", err)
	}

	class := classifyByKeywords(vm.Transcript, voicemailKeywords)
	cid := contact.ID
	turn := model.ConversationTurn{
		ContactID:         &cid,
		Direction:         model.Inbound,
		Text:              voicemailPrefix + vm.Transcript,
		Language:          "en",
		NeedsPastoralCare: class.NeedsPastoralCare,
	}
	if class.NeedsPastoralCare {
		turn.Intent = class.Intent
	}
	if _, err := i.turns.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("store voicemail turn: %w", err)
	}

	if class.NeedsPastoralCare {
		i.alert(ctx, fmt.Sprintf("Prayer Request (Voicemail) from %s:\n\n%s", contact.Name, vm.Transcript))
	}
	return nil
}

// Speech is one caller utterance recognized during a live call.
type Speech struct {
	From   string
	Text   string
	CallID string
}

// HandleSpeech answers one turn of a live call. Known callers get the same
// history-aware reply as texts; unknown callers are answered without history.
// Empty recognitions ask the caller to repeat and store nothing.
func (i *Ingress) HandleSpeech(ctx context.Context, sp Speech) (Reply, error) {
	text := strings.TrimSpace(sp.Text)
	if text == "" {
		return Reply{Text: SpeechRetry, Language: "en"}, nil
	}

	phone := model.NormalizePhone(sp.From)
	contact, err := i.contacts.FindContactByPhone(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		i.logger.Info("speech from unknown caller", "from", phone, "call_id", sp.CallID)
		if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
			Direction: model.Inbound,
			Text:      callPrefix + text,
			Language:  "en",
		}); err != nil {
			return Reply{}, fmt.Errorf("store speech turn: %w", err)
		}
		guest := &model.Contact{Name: "a caller", PreferredLanguage: "en"}
		answer, err := i.respond(ctx, guest, text, "en", nil)
		if err != nil {
			i.logger.Warn("speech reply degraded", "call_id", sp.CallID, "err", fmt.Errorf("%w: %v", model.ErrCapabilityDegraded, err))
			return Reply{Text: FallbackReply, Language: "en", Degraded: true}, nil
		}
		return Reply{Text: answer, Language: "en"}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("find contact: %w", err)
	}

	cid := contact.ID
	lang := preferredLanguage(contact)
	if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
		ContactID: &cid,
		Direction: model.Inbound,
		Text:      callPrefix + text,
		Language:  lang,
	}); err != nil {
		return Reply{}, fmt.Errorf("store speech turn: %w", err)
	}
	history, err := i.history(ctx, cid, true)
	if err != nil {
		return Reply{}, err
	}

	class := classifyByKeywords(text, voicemailKeywords)
	reply := Reply{Language: lang, Intent: class.Intent, NeedsPastoralCare: class.NeedsPastoralCare}
	answer, err := i.respond(ctx, contact, text, lang, history)
	if err != nil {
		i.logger.Warn("speech reply degraded", "contact_id", cid, "call_id", sp.CallID, "err", fmt.Errorf("%w: %v", model.ErrCapabilityDegraded, err))
		answer = FallbackReply
		reply.Degraded = true
	}
	reply.Text = answer

	if _, err := i.turns.AppendTurn(ctx, model.ConversationTurn{
		ContactID:         &cid,
		Direction:         model.Outbound,
		Text:              reply.Text,
		Language:          lang,
		Intent:            reply.Intent,
		NeedsPastoralCare: reply.NeedsPastoralCare,
	}); err != nil {
		return Reply{}, fmt.Errorf("store outbound turn: %w", err)
	}

	if reply.NeedsPastoralCare {
		i.alert(ctx, fmt.Sprintf("Prayer Request (Call) from %s:\n\n%s", contact.Name, text))
	}
	return reply, nil
}

// CallStatus is the provider's report on a call's progress.
type CallStatus struct {
	CallID   string
	Status   string
	Caller   string
	Duration time.Duration
}

// HandleCallStatus summarizes the caller's conversation once a call completes.
// Other statuses and unknown callers yield an empty summary.
func (i *Ingress) HandleCallStatus(ctx context.Context, cs CallStatus) (string, error) {
	if cs.Status != "completed" {
		i.logger.Debug("call status", "call_id", cs.CallID, "status", cs.Status)
		return "", nil
	}
	phone := model.NormalizePhone(cs.Caller)
	contact, err := i.contacts.FindContactByPhone(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		i.logger.Info("call completed", "call_id", cs.CallID, "from", phone, "duration", cs.Duration)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find contact: %w", err)
	}

	summary, err := i.Summarize(ctx, contact.ID)
	if err != nil {
		return "", err
	}
	i.logger.Info("call completed", "call_id", cs.CallID, "contact_id", contact.ID, "duration", cs.Duration, "summary", summary)
	return summary, nil
}

// Summarize condenses the contact's recent conversation.
func (i *Ingress) Summarize(ctx context.Context, contactID int64) (string, error) {
	if _, err := i.contacts.GetContact(ctx, contactID); err != nil {
		return "", err
	}
	history, err := i.history(ctx, contactID, false)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "No conversation yet.", nil
	}

	lctx, cancel := context.WithTimeout(ctx, i.cfg.LLMTimeout)
	defer cancel()
	summary, err := i.llm.Summarize(lctx, history)
	if err != nil {
		i.logger.Warn("summary degraded", "contact_id", contactID, "err", fmt.Errorf("%w: %v", model.ErrCapabilityDegraded, err))
		return summaryFallback, nil
	}
	return summary, nil
}

// Wait blocks until background alert enqueues finish.
func (i *Ingress) Wait() {
	i.alerts.Wait()
}

// history loads recent turns as chat messages. With dropLatest the turn just
// appended is left out so it is not sent twice.
func (i *Ingress) history(ctx context.Context, contactID int64, dropLatest bool) ([]client.ChatMessage, error) {
	limit := historyTurns
	if dropLatest {
		limit++
	}
	turns, err := i.turns.RecentTurns(ctx, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if dropLatest && len(turns) > 0 {
		turns = turns[:len(turns)-1]
	}
	out := make([]client.ChatMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, client.ChatMessage{Role: t.Role(), Content: t.Text})
	}
	return out, nil
}

func (i *Ingress) detectLanguage(ctx context.Context, text string, contact *model.Contact) string {
	lctx, cancel := context.WithTimeout(ctx, i.cfg.LLMTimeout)
	defer cancel()
	raw, err := i.llm.DetectLanguage(lctx, text)
	if err == nil {
		if lang, ok := normalizeLanguage(raw); ok {
			return lang
		}
	}
	return preferredLanguage(contact)
}

func (i *Ingress) analyze(ctx context.Context, contact *model.Contact, text string, history []client.ChatMessage) (Classification, bool) {
	prompt := fmt.Sprintf(`Analyze this message from %s and determine:
1. Is this a prayer request? (true/false)
2. Does this need immediate pastoral attention? (true/false)
3. What is the emotional tone? (urgent, distressed, happy, neutral, questioning)
4. What is the primary intent? (prayer_request, question, greeting, update, complaint)

Message: %s

Respond in JSON format:
{"is_prayer_request": true/false, "needs_pastoral_care": true/false, "emotional_tone": "...", "intent": "..."}`,
		contact.Name, text)

	lctx, cancel := context.WithTimeout(ctx, i.cfg.LLMTimeout)
	defer cancel()
	raw, err := i.llm.Respond(lctx, prompt, history)
	if err == nil {
		if class, ok := parseAnalysis(raw); ok {
			return class, false
		}
		err = errors.New("analysis was not valid json")
	}
	i.logger.Debug("analysis fell back to keywords", "contact_id", contact.ID, "err", err)
	return classifyByKeywords(text, messageKeywords), true
}

func (i *Ingress) respond(ctx context.Context, contact *model.Contact, text, lang string, history []client.ChatMessage) (string, error) {
	guide := fmt.Sprintf(`You are responding to %s, a member of our church community.

Contact Information:
- Name: %s
- Preferred Language: %s
- Previous conversations: %d

Respond in a warm, pastoral manner in %s.
Keep it concise (under 160 characters for SMS).
If this is a prayer request, acknowledge it with compassion and assure them of prayer support.`,
		contact.Name, contact.Name, preferredLanguage(contact), len(history), lang)

	msgs := make([]client.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, client.ChatMessage{Role: "system", Content: guide})
	msgs = append(msgs, history...)

	lctx, cancel := context.WithTimeout(ctx, i.cfg.LLMTimeout)
	defer cancel()
	return i.llm.Respond(lctx, text, msgs)
}

// alert enqueues one text job per configured recipient without blocking the
// caller.
func (i *Ingress) alert(ctx context.Context, body string) {
	if len(i.cfg.AlertRecipients) == 0 {
		return
	}
	jobs := make([]model.Job, 0, len(i.cfg.AlertRecipients))
	for _, to := range i.cfg.AlertRecipients {
		jobs = append(jobs, model.Job{Destination: to, Channel: model.ChannelText, Body: body})
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertEnqueueWait)
	i.alerts.Add(1)
	go func() {
		defer i.alerts.Done()
		defer cancel()
		ids, err := i.jobs.EnqueueBatch(actx, jobs)
		if err != nil {
			i.logger.Error("enqueue pastoral alert", "recipients", len(jobs), "err", err)
			return
		}
		i.logger.Info("pastoral alert enqueued", "job_ids", ids)
		if i.waker != nil {
			i.waker.Wake()
		}
	}()
}

func (i *Ingress) remember(ctx context.Context, messageID string, r Reply) Reply {
	if err := i.replies.RememberReply(ctx, messageID, r.Text); err != nil {
		i.logger.Warn("reply cache store failed", "message_id", messageID, "err", err)
	}
	return r
}

func preferredLanguage(c *model.Contact) string {
	if lang, ok := normalizeLanguage(c.PreferredLanguage); ok {
		return lang
	}
	return "en"
}
