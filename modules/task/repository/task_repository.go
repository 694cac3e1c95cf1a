package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"doer-api/core/database"
	"doer-api/core/logger"
	"doer-api/modules/task/entity"

	"github.com/google/uuid"
)

type TaskRepository interface {
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*entity.TaskSchedule, error)

	// FindConflictingPlanIDs returns the distinct plans owning a schedule
	// that overlaps [start, end) for the user, excluding excludePlanID when
	// non-nil.
	FindConflictingPlanIDs(ctx context.Context, userID uuid.UUID, excludePlanID *uuid.UUID, start, end time.Time) ([]uuid.UUID, error)
}

type taskRepository struct {
	db database.IDatabase
}

func NewTaskRepository(db database.IDatabase) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) GetScheduleByID(ctx context.Context, id uuid.UUID) (*entity.TaskSchedule, error) {
	var schedule entity.TaskSchedule
	query := `
		SELECT ts.id, ts.task_id, ts.plan_id, t.user_id, t.title, t.description,
		       ts.starts_at, ts.ends_at, ts.timezone, ts.created_at, ts.updated_at
		FROM task_schedules ts
		JOIN tasks t ON t.id = ts.task_id
		WHERE ts.id = $1
	`
	if err := r.db.GetContext(ctx, &schedule, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error("TaskRepository:GetScheduleByID:Error", "error", err, "schedule_id", id)
		return nil, err
	}
	return &schedule, nil
}

func (r *taskRepository) FindConflictingPlanIDs(ctx context.Context, userID uuid.UUID, excludePlanID *uuid.UUID, start, end time.Time) ([]uuid.UUID, error) {
	var planIDs []uuid.UUID
	query := `
		SELECT DISTINCT ts.plan_id
		FROM task_schedules ts
		JOIN tasks t ON t.id = ts.task_id
		WHERE t.user_id = $1
		  AND ts.plan_id IS NOT NULL
		  AND ($2::uuid IS NULL OR ts.plan_id <> $2)
		  AND ts.starts_at < $4
		  AND ts.ends_at > $3
	`
	if err := r.db.SelectContext(ctx, &planIDs, query, userID, excludePlanID, start, end); err != nil {
		logger.Error("TaskRepository:FindConflictingPlanIDs:Error", "error", err, "user_id", userID)
		return nil, err
	}
	return planIDs, nil
}
