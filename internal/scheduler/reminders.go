package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/church-dispatch/internal/clock"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

// FireKeyLayout formats the definition-local minute a firing belongs to.
const FireKeyLayout = "2006-01-02T15:04"

const reminderPage = 200

type Waker interface {
	Wake()
}

type ReminderConfig struct {
	Clock clock.TimeProvider
	// Location applies to definitions without their own timezone.
	Location *time.Location
	// OnceCatchup is how far back a tick still fires a missed once reminder.
	OnceCatchup time.Duration
	Waker       Waker
	Logger      *slog.Logger
}

// ReminderRunner evaluates active reminder definitions on each tick and turns
// every due one into a batch of jobs, one per active contact.
type ReminderRunner struct {
	reminders repo.ReminderStore
	contacts  repo.ContactDirectory
	cfg       ReminderConfig
	logger    *slog.Logger

	mu       sync.Mutex
	lastTick time.Time
}

func NewReminderRunner(reminders repo.ReminderStore, contacts repo.ContactDirectory, cfg ReminderConfig) *ReminderRunner {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.OnceCatchup <= 0 {
		cfg.OnceCatchup = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderRunner{
		reminders: reminders,
		contacts:  contacts,
		cfg:       cfg,
		logger:    logger.With("component", "reminders"),
	}
}

// Tick fires every definition due at the current time and returns how many
// fired. Failures are logged per definition and never abort the tick.
//
// Due definitions are collected from the whole active list before any fires,
// since firing a once definition deactivates it and shifts later pages.
func (r *ReminderRunner) Tick(ctx context.Context) int {
	now := r.cfg.Clock.Now()
	from := r.windowStart(now)

	type dueDef struct {
		def model.ReminderDefinition
		key string
	}
	var pending []dueDef
	for offset := 0; ; offset += reminderPage {
		defs, err := r.reminders.ListReminders(ctx, true, reminderPage, offset)
		if err != nil {
			r.logger.Error("list reminders", "err", err)
			return 0
		}
		for _, def := range defs {
			key, due, err := r.due(def, from, now)
			if err != nil {
				r.logger.Warn("reminder schedule invalid", "definition_id", def.ID, "err", err)
				continue
			}
			if due {
				pending = append(pending, dueDef{def: def, key: key})
			}
		}
		if len(defs) < reminderPage {
			break
		}
	}

	var fired int
	if len(pending) > 0 {
		contacts, err := r.contacts.ListActiveContacts(ctx)
		if err != nil {
			r.logger.Error("list active contacts", "err", err)
			return 0
		}
		for _, p := range pending {
			if r.fire(ctx, p.def, p.key, contacts) {
				fired++
			}
		}
	}

	r.mu.Lock()
	r.lastTick = now
	r.mu.Unlock()

	if fired > 0 && r.cfg.Waker != nil {
		r.cfg.Waker.Wake()
	}
	return fired
}

// windowStart is the exclusive lower bound for recurring slots: the previous
// tick when it is recent, otherwise just before the current minute.
func (r *ReminderRunner) windowStart(now time.Time) time.Time {
	r.mu.Lock()
	last := r.lastTick
	r.mu.Unlock()

	if !last.IsZero() && last.Before(now) && now.Sub(last) <= r.cfg.OnceCatchup {
		return last
	}
	return now.Truncate(time.Minute).Add(-time.Second)
}

func (r *ReminderRunner) fire(ctx context.Context, def model.ReminderDefinition, key string, contacts []model.Contact) bool {
	jobs := make([]model.Job, 0, len(contacts))
	for _, c := range contacts {
		cid := c.ID
		jobs = append(jobs, model.Job{ContactID: &cid, Channel: def.Channel, Body: def.Body})
	}

	res, err := r.reminders.FireReminder(ctx, repo.FireRequest{
		DefinitionID: def.ID,
		FireKey:      key,
		Deactivate:   def.Kind == model.Once,
		Jobs:         jobs,
	})
	if err != nil {
		r.logger.Error("fire reminder", "definition_id", def.ID, "fire_key", key, "err", err)
		return false
	}
	if !res.Fired {
		r.logger.Debug("reminder already fired", "definition_id", def.ID, "fire_key", key)
		return false
	}
	r.logger.Info("reminder fired", "definition_id", def.ID, "name", def.Name, "fire_key", key, "jobs", len(res.JobIDs))
	return true
}

// due reports whether def has a slot in (from, now] and returns the key of the
// latest such slot. Once definitions use the catch-up window instead.
func (r *ReminderRunner) due(def model.ReminderDefinition, from, now time.Time) (string, bool, error) {
	loc, err := def.Location(r.cfg.Location)
	if err != nil {
		return "", false, err
	}

	if def.Kind == model.Once {
		at, err := def.Instant(loc)
		if err != nil {
			return "", false, err
		}
		if at.After(now) || !at.After(now.Add(-r.cfg.OnceCatchup)) {
			return "", false, nil
		}
		return at.In(loc).Format(FireKeyLayout), true, nil
	}

	sched, err := Schedule(def, loc)
	if err != nil {
		return "", false, err
	}
	slot := sched.Next(from)
	if slot.IsZero() || slot.After(now) {
		return "", false, nil
	}
	for next := sched.Next(slot); !next.IsZero() && !next.After(now); next = sched.Next(slot) {
		slot = next
	}
	return slot.In(loc).Format(FireKeyLayout), true, nil
}

// Schedule builds the cron schedule of a weekly or monthly definition,
// evaluated in loc.
func Schedule(def model.ReminderDefinition, loc *time.Location) (cron.Schedule, error) {
	h, m, err := def.HourMinute()
	if err != nil {
		return nil, err
	}

	var expr string
	switch def.Kind {
	case model.Weekly:
		wd, ok := model.ParseWeekday(def.Weekday)
		if !ok {
			return nil, fmt.Errorf("weekday %q", def.Weekday)
		}
		expr = fmt.Sprintf("%d %d * * %d", m, h, int(wd))
	case model.Monthly:
		if def.DayOfMonth < 1 || def.DayOfMonth > 31 {
			return nil, fmt.Errorf("day of month %d", def.DayOfMonth)
		}
		expr = fmt.Sprintf("%d %d %d * *", m, h, def.DayOfMonth)
	default:
		return nil, fmt.Errorf("kind %q has no recurring schedule", def.Kind)
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return sched, nil
}
