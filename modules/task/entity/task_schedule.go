package entity

import (
	"time"

	"doer-api/core/entity"

	"github.com/google/uuid"
)

// TaskSchedule is one concrete occurrence of a task inside a plan: the unit
// that gets mirrored to external calendars.
type TaskSchedule struct {
	entity.BaseEntity
	TaskID      uuid.UUID  `db:"task_id" json:"task_id"`
	PlanID      *uuid.UUID `db:"plan_id" json:"plan_id,omitempty"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	StartsAt    time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time  `db:"ends_at" json:"ends_at"`
	Timezone    string     `db:"timezone" json:"timezone"`
}

func (TaskSchedule) TableName() string {
	return "task_schedules"
}
