package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/service"
)

const (
	voiceGreeting = "Hello! Thank you for calling our church. How may I help you today?"
	voicemailAsk  = "Please leave a message after the beep, and someone from our church will get back to you soon."
	voiceGoodbye  = "Thank you. God bless you!"
	voiceAnything = "Is there anything else I can help you with?"
	voiceFarewell = "Thank you for calling. Goodbye!"
	voiceTrouble  = "We're sorry, but we're having technical difficulties. Please try again later."

	voicemailMaxSeconds = 120
)

// InboundSMS answers a provider SMS callback with a TwiML reply. It always
// replies; failures fall back to a static acknowledgment.
func (h *Handler) InboundSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTwiML(w, http.StatusBadRequest, twimlMessage{Text: service.FallbackReply})
		return
	}
	msg := service.InboundMessage{
		From:      r.PostForm.Get("From"),
		Body:      r.PostForm.Get("Body"),
		MessageID: r.PostForm.Get("MessageSid"),
	}
	reply, err := h.ingress.HandleMessage(r.Context(), msg)
	if err != nil {
		h.logger.Error("inbound sms failed", "from", msg.From, "message_id", msg.MessageID, "err", err)
		reply.Text = service.FallbackReply
	}
	writeTwiML(w, http.StatusOK, twimlMessage{Text: reply.Text})
}

func (h *Handler) VoicemailTranscript(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid form"})
		return
	}
	vm := service.Voicemail{
		From:       r.PostForm.Get("From"),
		Transcript: r.PostForm.Get("TranscriptionText"),
		CallID:     r.PostForm.Get("CallSid"),
	}
	if err := h.ingress.HandleVoicemail(r.Context(), vm); err != nil {
		h.writeError(w, err)
		return
	}
	writeTwiML(w, http.StatusOK)
}

// InboundVoice greets the caller and listens for speech, which continues in
// VoiceResponse. A silent caller falls through to a voicemail whose transcript
// is posted back to VoicemailTranscript.
func (h *Handler) InboundVoice(w http.ResponseWriter, r *http.Request) {
	writeTwiML(w, http.StatusOK,
		gather(h.baseURL+"/v1/webhooks/voice/response", say(voiceGreeting)),
		say(voicemailAsk),
		twimlRecord{
			MaxLength:          voicemailMaxSeconds,
			Transcribe:         true,
			TranscribeCallback: h.baseURL + "/v1/webhooks/voicemail",
		},
		say(voiceGoodbye),
	)
}

// VoiceResponse answers one recognized utterance and keeps listening.
func (h *Handler) VoiceResponse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTwiML(w, http.StatusBadRequest, say(voiceTrouble))
		return
	}
	sp := service.Speech{
		From:   r.PostForm.Get("From"),
		Text:   r.PostForm.Get("SpeechResult"),
		CallID: r.PostForm.Get("CallSid"),
	}
	reply, err := h.ingress.HandleSpeech(r.Context(), sp)
	if err != nil {
		h.logger.Error("voice response failed", "from", sp.From, "call_id", sp.CallID, "err", err)
		reply.Text = service.FallbackReply
	}
	writeTwiML(w, http.StatusOK,
		say(reply.Text),
		gather(h.baseURL+"/v1/webhooks/voice/response", say(voiceAnything)),
		say(voiceFarewell),
	)
}

// CallStatusCallback receives call progress and summarizes completed calls.
func (h *Handler) CallStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid form"})
		return
	}
	cs := service.CallStatus{
		CallID: r.PostForm.Get("CallSid"),
		Status: r.PostForm.Get("CallStatus"),
		Caller: r.PostForm.Get("From"),
	}
	// On calls we placed the member is the callee.
	if strings.HasPrefix(r.PostForm.Get("Direction"), "outbound") {
		cs.Caller = r.PostForm.Get("To")
	}
	if secs, err := strconv.Atoi(r.PostForm.Get("CallDuration")); err == nil && secs > 0 {
		cs.Duration = time.Duration(secs) * time.Second
	}
	summary, err := h.ingress.HandleCallStatus(r.Context(), cs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := map[string]any{"status": "ok"}
	if summary != "" {
		out["summary"] = summary
	}
	writeJSON(w, http.StatusOK, out)
}

// OutboundVoiceScript reads a voice job's body to the callee.
func (h *Handler) OutboundVoiceScript(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("job"), 10, 64)
	if err != nil || id <= 0 {
		writeTwiML(w, http.StatusBadRequest, say(voiceTrouble))
		return
	}
	job, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeTwiML(w, http.StatusNotFound, say(voiceTrouble))
		return
	case err != nil:
		h.logger.Error("load voice script", "job_id", id, "err", err)
		writeTwiML(w, http.StatusInternalServerError, say(voiceTrouble))
		return
	case job.Channel != model.ChannelVoice:
		writeTwiML(w, http.StatusNotFound, say(voiceTrouble))
		return
	}
	writeTwiML(w, http.StatusOK, say(job.Body))
}
