package entity

import (
	"encoding/json"
	"time"

	"doer-api/core/entity"

	"github.com/google/uuid"
)

// CalendarEvent is a materialized external event. Unique on
// (connection_id, external_id, calendar_id); pull-sync upserts are idempotent
// on that key.
type CalendarEvent struct {
	entity.BaseEntity
	ConnectionID  uuid.UUID       `db:"connection_id" json:"connection_id"`
	ExternalID    string          `db:"external_id" json:"external_id"`
	CalendarID    string          `db:"calendar_id" json:"calendar_id"`
	Summary       string          `db:"summary" json:"summary"`
	Description   string          `db:"description" json:"description"`
	StartsAt      time.Time       `db:"starts_at" json:"starts_at"` // UTC
	EndsAt        time.Time       `db:"ends_at" json:"ends_at"`     // UTC
	AllDay        bool            `db:"all_day" json:"all_day"`
	Timezone      string          `db:"timezone" json:"timezone"`
	IsBusy        bool            `db:"is_busy" json:"is_busy"`
	CreatedByDoer bool            `db:"created_by_doer" json:"created_by_doer"`
	ETag          string          `db:"etag" json:"-"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

func (CalendarEvent) TableName() string {
	return "calendar_events"
}
