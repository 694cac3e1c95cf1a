package mapper

import (
	"testing"
	"time"

	"doer-api/modules/calendar/dto"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCalendarEventTimedEvent(t *testing.T) {
	connID := uuid.New()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	row := ToCalendarEvent(connID, &dto.ExternalEvent{
		ID:         "ext-1",
		CalendarID: "cal-1",
		Summary:    "Dentist",
		Start:      dto.EventTime{DateTime: &start, Timezone: "Europe/Berlin"},
		End:        dto.EventTime{DateTime: &end},
		Extended:   map[string]string{dto.PropTaskID: "task-1"},
	})
	require.NotNil(t, row)

	assert.Equal(t, connID, row.ConnectionID)
	assert.Equal(t, "ext-1", row.ExternalID)
	assert.Equal(t, start, row.StartsAt)
	assert.Equal(t, end, row.EndsAt)
	assert.False(t, row.AllDay)
	assert.Equal(t, "Europe/Berlin", row.Timezone)
	assert.True(t, row.IsBusy)
	assert.True(t, row.CreatedByDoer)
	assert.JSONEq(t, `{"doerTaskId":"task-1"}`, string(row.Metadata))
}

func TestToCalendarEventAllDay(t *testing.T) {
	row := ToCalendarEvent(uuid.New(), &dto.ExternalEvent{
		ID:          "ext-2",
		Start:       dto.EventTime{Date: "2026-03-02"},
		End:         dto.EventTime{Date: "2026-03-03"},
		Transparent: true,
	})
	require.NotNil(t, row)

	assert.True(t, row.AllDay)
	assert.False(t, row.IsBusy)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), row.StartsAt)
	// Provider end dates are exclusive, so the stored instant is the next
	// day's midnight as-is.
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), row.EndsAt)
	assert.Empty(t, row.Metadata)
}

func TestToCalendarEventUnresolvableTimes(t *testing.T) {
	assert.Nil(t, ToCalendarEvent(uuid.New(), &dto.ExternalEvent{ID: "no-times"}))
	assert.Nil(t, ToCalendarEvent(uuid.New(), &dto.ExternalEvent{
		ID:    "no-end",
		Start: dto.EventTime{Date: "2026-03-02"},
	}))
	assert.Nil(t, ToCalendarEvent(uuid.New(), &dto.ExternalEvent{
		ID:    "garbage-date",
		Start: dto.EventTime{Date: "not-a-date"},
		End:   dto.EventTime{Date: "2026-03-03"},
	}))
}
