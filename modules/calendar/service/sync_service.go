package service

import (
	"context"
	"time"

	"doer-api/core/cache"
	"doer-api/core/config"
	"doer-api/core/constants"
	"doer-api/core/errors"
	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"
	"doer-api/modules/calendar/mapper"
	"doer-api/modules/calendar/provider"
	"doer-api/modules/calendar/repository"
	taskRepo "doer-api/modules/task/repository"

	"github.com/google/uuid"
)

type SyncService interface {
	// PullConnection runs one pull cycle for a connection. Returns a nil
	// report when another worker already holds the connection's sync lock.
	PullConnection(ctx context.Context, connectionID uuid.UUID) (*dto.SyncReport, error)

	// SyncUserConnections pulls every auto-sync connection of one user.
	SyncUserConnections(ctx context.Context, userID uuid.UUID) ([]dto.SyncReport, error)

	// ListActiveConnectionIDs feeds the periodic fleet sweep.
	ListActiveConnectionIDs(ctx context.Context) ([]uuid.UUID, error)

	// PushTaskSchedule mirrors one task occurrence to every auto-sync
	// connection of its owner. Per-connection failures are logged, not
	// propagated.
	PushTaskSchedule(ctx context.Context, taskScheduleID uuid.UUID) error

	// RemoveTaskSchedule deletes the occurrence's external mirrors.
	RemoveTaskSchedule(ctx context.Context, taskScheduleID uuid.UUID) error
}

type syncService struct {
	repo    repository.CalendarRepository
	tasks   taskRepo.TaskRepository
	factory *provider.Factory
	cache   cache.Cache
	cfg     *config.Config
}

func NewSyncService(
	repo repository.CalendarRepository,
	tasks taskRepo.TaskRepository,
	factory *provider.Factory,
	cacheClient cache.Cache,
	cfg *config.Config,
) SyncService {
	return &syncService{
		repo:    repo,
		tasks:   tasks,
		factory: factory,
		cache:   cacheClient,
		cfg:     cfg,
	}
}

func (s *syncService) syncWindow() (time.Time, time.Time) {
	days := s.cfg.Calendar.SyncWindowDays
	if days <= 0 {
		days = constants.DefaultSyncWindowDays
	}
	now := time.Now().UTC()
	start := now.Truncate(24 * time.Hour)
	return start, now.AddDate(0, 0, days)
}

func (s *syncService) PullConnection(ctx context.Context, connectionID uuid.UUID) (*dto.SyncReport, error) {
	lockKey := constants.RedisKeySyncLock + connectionID.String()
	acquired, err := s.cache.SetNX(ctx, lockKey, time.Now().UTC().Format(time.RFC3339), constants.SyncLockTTL)
	if err != nil {
		logger.Error("SyncService:PullConnection:LockError", "error", err, "connection_id", connectionID)
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to acquire sync lock", err)
	}
	if !acquired {
		logger.Info("SyncService:PullConnection:AlreadyRunning", "connection_id", connectionID)
		return nil, nil
	}
	defer func() {
		if err := s.cache.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.Warn("SyncService:PullConnection:LockReleaseFailed", "error", err, "connection_id", connectionID)
		}
	}()

	conn, err := s.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to load connection", err)
	}
	if conn == nil {
		return nil, errors.NewAppError(errors.ErrNotFound, "calendar connection not found", nil)
	}

	prov, err := s.factory.GetProvider(conn.Provider)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrConfiguration, "provider unavailable", err)
	}

	timeMin, timeMax := s.syncWindow()

	fetchCtx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout*4)
	defer cancel()
	result, err := prov.FetchEvents(fetchCtx, conn.ID, conn.CalendarIDs, conn.SyncCursor, timeMin, timeMax)
	if err != nil {
		logger.Error("SyncService:PullConnection:FetchFailed", "error", err, "connection_id", connectionID, "provider", conn.Provider)
		return nil, errors.NewAppError(errors.ErrTransport, "event fetch failed", err)
	}

	report := &dto.SyncReport{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		FullSync:     result.IsFullSync,
	}

	conflictPlans := map[uuid.UUID]struct{}{}
	for i := range result.Events {
		ev := &result.Events[i]
		if ev.Deleted {
			if err := s.repo.DeleteEventByExternalID(ctx, conn.ID, ev.ID, ev.CalendarID); err != nil {
				return nil, errors.NewAppError(errors.ErrInternalServer, "event delete failed", err)
			}
			report.EventsDeleted++
			continue
		}

		row := mapper.ToCalendarEvent(conn.ID, ev)
		if row == nil {
			logger.Warn("SyncService:PullConnection:UnresolvableEventTimes",
				"connection_id", conn.ID, "external_id", ev.ID)
			continue
		}
		if _, err := s.repo.UpsertEvent(ctx, row); err != nil {
			// Stop before touching the cursor so the next run re-pulls.
			return nil, errors.NewAppError(errors.ErrInternalServer, "event upsert failed", err)
		}
		report.EventsUpserted++

		// Externally-created busy events may collide with scheduled plans.
		// Events the system pushed itself never count as conflicts.
		if row.IsBusy && !row.CreatedByDoer {
			planIDs, err := s.tasks.FindConflictingPlanIDs(ctx, conn.UserID, nil, row.StartsAt, row.EndsAt)
			if err != nil {
				logger.Warn("SyncService:PullConnection:ConflictLookupFailed", "error", err, "connection_id", conn.ID)
				continue
			}
			for _, id := range planIDs {
				conflictPlans[id] = struct{}{}
			}
		}
	}

	for id := range conflictPlans {
		report.ConflictingPlanIDs = append(report.ConflictingPlanIDs, id)
	}

	// Cursor persists only after every upsert landed: the protocol is
	// at-least-once, upserts make redelivery harmless.
	if err := s.repo.UpdateConnectionCursor(ctx, conn.ID, result.NextSyncToken, time.Now().UTC()); err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "cursor persist failed", err)
	}

	logger.Info("SyncService:PullConnection:Completed",
		"connection_id", conn.ID, "provider", conn.Provider,
		"upserted", report.EventsUpserted, "deleted", report.EventsDeleted,
		"full_sync", report.FullSync, "conflicting_plans", len(report.ConflictingPlanIDs))
	return report, nil
}

func (s *syncService) SyncUserConnections(ctx context.Context, userID uuid.UUID) ([]dto.SyncReport, error) {
	conns, err := s.repo.GetAutoSyncConnectionsByUserID(ctx, userID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to list connections", err)
	}

	reports := make([]dto.SyncReport, 0, len(conns))
	for i := range conns {
		report, err := s.PullConnection(ctx, conns[i].ID)
		if err != nil {
			logger.Error("SyncService:SyncUserConnections:ConnectionFailed",
				"error", err, "connection_id", conns[i].ID, "provider", conns[i].Provider)
			continue
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

func (s *syncService) ListActiveConnectionIDs(ctx context.Context) ([]uuid.UUID, error) {
	conns, err := s.repo.ListActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(conns))
	for i := range conns {
		ids = append(ids, conns[i].ID)
	}
	return ids, nil
}

func (s *syncService) PushTaskSchedule(ctx context.Context, taskScheduleID uuid.UUID) error {
	schedule, err := s.tasks.GetScheduleByID(ctx, taskScheduleID)
	if err != nil {
		return errors.NewAppError(errors.ErrInternalServer, "failed to load task schedule", err)
	}
	if schedule == nil {
		return errors.NewAppError(errors.ErrNotFound, "task schedule not found", nil)
	}

	conns, err := s.repo.GetAutoSyncConnectionsByUserID(ctx, schedule.UserID)
	if err != nil {
		return errors.NewAppError(errors.ErrInternalServer, "failed to list connections", err)
	}

	task := &dto.TaskEvent{
		TaskID:         schedule.TaskID,
		TaskScheduleID: schedule.ID,
		PlanID:         schedule.PlanID,
		Title:          schedule.Title,
		Description:    schedule.Description,
		Start:          schedule.StartsAt,
		End:            schedule.EndsAt,
		Timezone:       schedule.Timezone,
	}

	for i := range conns {
		if err := s.pushToConnection(ctx, &conns[i], task); err != nil {
			logger.Error("SyncService:PushTaskSchedule:ConnectionFailed",
				"error", err, "connection_id", conns[i].ID, "provider", conns[i].Provider,
				"task_schedule_id", taskScheduleID)
		}
	}
	return nil
}

func (s *syncService) pushToConnection(ctx context.Context, conn *entity.CalendarConnection, task *dto.TaskEvent) error {
	prov, err := s.factory.GetProvider(conn.Provider)
	if err != nil {
		return err
	}
	calendarID := s.targetCalendar(conn)
	if calendarID == "" {
		logger.Warn("SyncService:PushTaskSchedule:NoTargetCalendar", "connection_id", conn.ID)
		return nil
	}

	// An existing link means this occurrence was pushed before: update the
	// same external event instead of creating a second one.
	pushed := *task
	link, err := s.repo.GetLinkByScheduleAndConnection(ctx, task.TaskScheduleID, conn.ID)
	if err != nil {
		return err
	}
	if link != nil {
		pushed.ExternalEventID = link.ExternalEventID
	}

	callCtx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
	defer cancel()
	result, err := prov.PushTaskToCalendar(callCtx, conn.ID, calendarID, &pushed)
	if err != nil {
		return err
	}

	row := &entity.CalendarEvent{
		ConnectionID:  conn.ID,
		ExternalID:    result.ExternalEventID,
		CalendarID:    calendarID,
		Summary:       task.Title,
		Description:   task.Description,
		StartsAt:      task.Start.UTC(),
		EndsAt:        task.End.UTC(),
		Timezone:      task.Timezone,
		IsBusy:        true,
		CreatedByDoer: true,
		ETag:          result.ETag,
	}
	if _, err := s.repo.UpsertEvent(ctx, row); err != nil {
		return err
	}

	_, err = s.repo.UpsertEventLink(ctx, &entity.CalendarEventLink{
		CalendarEventID: row.ID,
		TaskID:          task.TaskID,
		TaskScheduleID:  task.TaskScheduleID,
		PlanID:          task.PlanID,
		ExternalEventID: result.ExternalEventID,
		TaskName:        task.Title,
	})
	return err
}

func (s *syncService) targetCalendar(conn *entity.CalendarConnection) string {
	if len(conn.CalendarIDs) > 0 {
		return conn.CalendarIDs[0]
	}
	if conn.Provider == dto.ProviderGoogle {
		return "primary"
	}
	return ""
}

func (s *syncService) RemoveTaskSchedule(ctx context.Context, taskScheduleID uuid.UUID) error {
	schedule, err := s.tasks.GetScheduleByID(ctx, taskScheduleID)
	if err != nil {
		return errors.NewAppError(errors.ErrInternalServer, "failed to load task schedule", err)
	}
	if schedule == nil {
		// Schedule already gone; nothing references the links anymore.
		return s.repo.DeleteLinksByScheduleID(ctx, taskScheduleID)
	}

	conns, err := s.repo.GetAutoSyncConnectionsByUserID(ctx, schedule.UserID)
	if err != nil {
		return errors.NewAppError(errors.ErrInternalServer, "failed to list connections", err)
	}

	for i := range conns {
		conn := &conns[i]
		link, err := s.repo.GetLinkByScheduleAndConnection(ctx, taskScheduleID, conn.ID)
		if err != nil || link == nil {
			continue
		}

		prov, err := s.factory.GetProvider(conn.Provider)
		if err != nil {
			logger.Error("SyncService:RemoveTaskSchedule:ProviderUnavailable", "error", err, "connection_id", conn.ID)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
		calendarID := s.targetCalendar(conn)
		if _, err := prov.DeleteTaskFromCalendar(callCtx, conn.ID, calendarID, link.ExternalEventID); err != nil {
			logger.Error("SyncService:RemoveTaskSchedule:DeleteFailed",
				"error", err, "connection_id", conn.ID, "external_event_id", link.ExternalEventID)
			cancel()
			continue
		}
		cancel()

		if err := s.repo.DeleteEventByExternalID(ctx, conn.ID, link.ExternalEventID, calendarID); err != nil {
			logger.Warn("SyncService:RemoveTaskSchedule:LocalEventDeleteFailed", "error", err, "connection_id", conn.ID)
		}
	}

	return s.repo.DeleteLinksByScheduleID(ctx, taskScheduleID)
}
