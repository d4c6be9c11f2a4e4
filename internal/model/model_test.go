package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]Status{
		{Queued, InProgress},
		{InProgress, Sent},
		{InProgress, FailedRetryable},
		{InProgress, FailedPermanent},
		{InProgress, Queued},
		{FailedRetryable, Queued},
		{FailedRetryable, InProgress},
	}
	for _, tr := range allowed {
		assert.Truef(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	for _, terminal := range []Status{Sent, FailedPermanent} {
		for _, to := range []Status{Queued, InProgress, Sent, FailedRetryable, FailedPermanent} {
			assert.Falsef(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
	assert.False(t, CanTransition(Queued, Sent))
	assert.False(t, CanTransition(FailedRetryable, Sent))
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	id := int64(7)
	cases := []struct {
		name  string
		job   Job
		field string
	}{
		{"bad channel", Job{Channel: "fax", Body: "hi", ContactID: &id}, "channel"},
		{"empty body", Job{Channel: ChannelText, ContactID: &id}, "body"},
		{"no target", Job{Channel: ChannelText, Body: "hi"}, "contactId"},
		{"bad destination", Job{Channel: ChannelText, Body: "hi", Destination: "555-1234"}, "destination"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.job.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	ok := Job{Channel: ChannelText, Body: "hi", Destination: "+19095551234"}
	require.NoError(t, ok.Validate())
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "+19095551234", NormalizePhone(" +1 (909) 555-1234 "))
	assert.Equal(t, "9095551234", NormalizePhone("909.555.1234"))
	assert.True(t, ValidE164("+19095551234"))
	assert.False(t, ValidE164("+0123"))
}

func TestReminderValidate(t *testing.T) {
	t.Parallel()

	base := ReminderDefinition{Name: "Sunday", Body: "Service at 10", Channel: ChannelText, TimeOfDay: "09:00"}

	weekly := base
	weekly.Kind = Weekly
	weekly.Weekday = "Monday"
	require.NoError(t, weekly.Validate())

	weekly.Weekday = "someday"
	require.True(t, IsValidation(weekly.Validate()))

	monthly := base
	monthly.Kind = Monthly
	monthly.DayOfMonth = 0
	require.True(t, IsValidation(monthly.Validate()))

	once := base
	once.Kind = Once
	once.Date = "2026-10-18"
	require.NoError(t, once.Validate())

	badTime := once
	badTime.TimeOfDay = "9am"
	require.True(t, IsValidation(badTime.Validate()))
}

func TestReminderInstant(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	d := ReminderDefinition{Kind: Once, Date: "2026-10-18", TimeOfDay: "09:30"}
	at, err := d.Instant(loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, loc), at)
}
