package entity

import (
	"encoding/json"

	"doer-api/core/entity"

	"github.com/google/uuid"
)

// CalendarEventLink joins an internally-scheduled task occurrence to the
// CalendarEvent mirroring it externally. Unique on
// (calendar_event_id, task_schedule_id), which is what makes push idempotent.
type CalendarEventLink struct {
	entity.BaseEntity
	CalendarEventID uuid.UUID       `db:"calendar_event_id" json:"calendar_event_id"`
	TaskID          uuid.UUID       `db:"task_id" json:"task_id"`
	TaskScheduleID  uuid.UUID       `db:"task_schedule_id" json:"task_schedule_id"`
	PlanID          *uuid.UUID      `db:"plan_id" json:"plan_id,omitempty"`
	ExternalEventID string          `db:"external_event_id" json:"external_event_id"`
	Confidence      *float64        `db:"confidence" json:"confidence,omitempty"`
	PlanName        string          `db:"plan_name" json:"plan_name"`
	TaskName        string          `db:"task_name" json:"task_name"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

func (CalendarEventLink) TableName() string {
	return "calendar_event_links"
}
