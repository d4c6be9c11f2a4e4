package model

import (
	"fmt"
	"strings"
	"time"
)

type RecurrenceKind string

const (
	Once    RecurrenceKind = "once"
	Weekly  RecurrenceKind = "weekly"
	Monthly RecurrenceKind = "monthly"
)

// TargetAll selects every active contact. It is the only selector implemented.
const TargetAll = "all"

const dateLayout = "2006-01-02"

type ReminderDefinition struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Body       string         `json:"body"`
	Channel    Channel        `json:"channel"`
	Kind       RecurrenceKind `json:"kind"`
	Weekday    string         `json:"weekday,omitempty"`
	DayOfMonth int            `json:"dayOfMonth,omitempty"`
	TimeOfDay  string         `json:"timeOfDay"`
	Date       string         `json:"date,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
	Target     string         `json:"target"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"createdAt"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// HourMinute parses TimeOfDay as HH:MM.
func (d *ReminderDefinition) HourMinute() (int, int, error) {
	t, err := time.Parse("15:04", d.TimeOfDay)
	if err != nil {
		return 0, 0, fmt.Errorf("time of day %q: %w", d.TimeOfDay, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves the definition's timezone, falling back to def.
func (d *ReminderDefinition) Location(def *time.Location) (*time.Location, error) {
	if d.Timezone == "" {
		return def, nil
	}
	return time.LoadLocation(d.Timezone)
}

// Instant returns the single firing instant of a once definition in loc.
func (d *ReminderDefinition) Instant(loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, d.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", d.Date, err)
	}
	h, m, err := d.HourMinute()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc), nil
}

func (d *ReminderDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if d.Body == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if !d.Channel.Valid() {
		return &ValidationError{Field: "channel", Message: "must be text or voice"}
	}
	if _, _, err := d.HourMinute(); err != nil {
		return &ValidationError{Field: "timeOfDay", Message: "must be HH:MM"}
	}
	if d.Target != "" && d.Target != TargetAll {
		return &ValidationError{Field: "target", Message: "only \"all\" is supported"}
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return &ValidationError{Field: "timezone", Message: err.Error()}
		}
	}

	switch d.Kind {
	case Once:
		if _, err := time.Parse(dateLayout, d.Date); err != nil {
			return &ValidationError{Field: "date", Message: "must be YYYY-MM-DD"}
		}
	case Weekly:
		if _, ok := ParseWeekday(d.Weekday); !ok {
			return &ValidationError{Field: "weekday", Message: "must be a weekday name"}
		}
	case Monthly:
		if d.DayOfMonth < 1 || d.DayOfMonth > 31 {
			return &ValidationError{Field: "dayOfMonth", Message: "must be between 1 and 31"}
		}
	default:
		return &ValidationError{Field: "kind", Message: "must be once, weekly or monthly"}
	}
	return nil
}
