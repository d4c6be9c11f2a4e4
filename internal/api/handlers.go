package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
	"github.com/LeventeLantos/church-dispatch/internal/scheduler"
	"github.com/LeventeLantos/church-dispatch/internal/service"
)

type Deps struct {
	Store      repo.Store
	Enqueuer   *service.Enqueuer
	Ingress    *service.Ingress
	Schedulers []*scheduler.Scheduler
	// PublicBaseURL prefixes callback URLs handed to the telephony provider.
	PublicBaseURL string
	Logger        *slog.Logger
}

type Handler struct {
	store    repo.Store
	enqueuer *service.Enqueuer
	ingress  *service.Ingress
	scheds   []*scheduler.Scheduler
	baseURL  string
	logger   *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    d.Store,
		enqueuer: d.Enqueuer,
		ingress:  d.Ingress,
		scheds:   d.Schedulers,
		baseURL:  strings.TrimRight(d.PublicBaseURL, "/"),
		logger:   logger.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if scheds, ok := h.selectSchedulers(w, r); ok {
		writeSchedulers(w, scheds)
	}
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	scheds, ok := h.selectSchedulers(w, r)
	if !ok {
		return
	}
	for _, s := range scheds {
		s.Start()
	}
	writeSchedulers(w, scheds)
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	scheds, ok := h.selectSchedulers(w, r)
	if !ok {
		return
	}
	for _, s := range scheds {
		s.Stop()
	}
	writeSchedulers(w, scheds)
}

// selectSchedulers narrows to ?name= when given and writes a 404 for an
// unknown name.
func (h *Handler) selectSchedulers(w http.ResponseWriter, r *http.Request) ([]*scheduler.Scheduler, bool) {
	name := r.URL.Query().Get("name")
	if name == "" {
		return h.scheds, true
	}
	for _, s := range h.scheds {
		if s.Status().Name == name {
			return []*scheduler.Scheduler{s}, true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown scheduler " + strconv.Quote(name)})
	return nil, false
}

func writeSchedulers(w http.ResponseWriter, scheds []*scheduler.Scheduler) {
	running := len(scheds) > 0
	items := make([]scheduler.Status, 0, len(scheds))
	for _, s := range scheds {
		st := s.Status()
		running = running && st.Running
		items = append(items, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": running, "schedulers": items})
}

type enqueueBody struct {
	ContactIDs  []int64    `json:"contactIds"`
	AllActive   bool       `json:"allActive"`
	Channel     string     `json:"channel"`
	Body        string     `json:"body"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

func (h *Handler) EnqueueJobs(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if !decodeBody(w, r, &body) {
		return
	}
	ids, err := h.enqueuer.Enqueue(r.Context(), service.EnqueueRequest{
		ContactIDs:  body.ContactIDs,
		AllActive:   body.AllActive,
		Channel:     model.Channel(body.Channel),
		Body:        body.Body,
		ScheduledAt: body.ScheduledAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = model.Queued
	}
	limit, offset := page(r)
	items, err := h.store.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	items, err := h.store.ListByStatus(r.Context(), model.Sent, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var c model.Contact
	if !decodeBody(w, r, &c) {
		return
	}
	c.Phone = model.NormalizePhone(c.Phone)
	c.Active = true
	id, err := h.store.CreateContact(r.Context(), c)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	limit, offset := page(r)
	items, err := h.store.ListContacts(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

// DeactivateContact soft-deletes the contact; its jobs and history remain
// readable.
func (h *Handler) DeactivateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeactivateContact(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListContactJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetContact(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	limit, offset := page(r)
	items, err := h.store.ListByContact(r.Context(), id, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) ContactSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.ingress.Summarize(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contactId": id, "summary": summary})
}

func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var d model.ReminderDefinition
	if !decodeBody(w, r, &d) {
		return
	}
	id, err := h.store.CreateReminder(r.Context(), d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	limit, offset := page(r)
	items, err := h.store.ListReminders(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) DeactivateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeactivateReminder(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, model.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict"})
	default:
		h.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func page(r *http.Request) (int, int) {
	return parseInt(r.URL.Query().Get("limit"), 50), parseInt(r.URL.Query().Get("offset"), 0)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
