package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Post("/scheduler/start", h.SchedulerStart)
		r.Post("/scheduler/stop", h.SchedulerStop)

		r.Post("/jobs", h.EnqueueJobs)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/stats", h.JobStats)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/messages/sent", h.ListSentMessages)

		r.Post("/contacts", h.CreateContact)
		r.Get("/contacts", h.ListContacts)
		r.Get("/contacts/{id}", h.GetContact)
		r.Delete("/contacts/{id}", h.DeactivateContact)
		r.Get("/contacts/{id}/jobs", h.ListContactJobs)
		r.Get("/contacts/{id}/summary", h.ContactSummary)

		r.Post("/reminders", h.CreateReminder)
		r.Get("/reminders", h.ListReminders)
		r.Delete("/reminders/{id}", h.DeactivateReminder)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/sms", h.InboundSMS)
			r.Post("/voicemail", h.VoicemailTranscript)
			r.Post("/voice/inbound", h.InboundVoice)
			r.Post("/voice/response", h.VoiceResponse)
			r.Post("/voice/status", h.CallStatusCallback)
			r.Get("/voice/outbound", h.OutboundVoiceScript)
			r.Post("/voice/outbound", h.OutboundVoiceScript)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("church-dispatch"))
	})

	return r
}
