package service

import (
	"context"
	"testing"
	"time"

	"doer-api/core/config"
	"doer-api/core/constants"
	"doer-api/core/errors"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"
	"doer-api/modules/calendar/provider"
	taskEntity "doer-api/modules/task/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	repo     *fakeCalendarRepo
	tasks    *fakeTaskRepo
	prov     *fakeProvider
	cache    *fakeCache
	svc      SyncService
	userID   uuid.UUID
	conn     entity.CalendarConnection
	provider string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	repo := newFakeCalendarRepo()
	tasks := newFakeTaskRepo()
	cacheClient := newFakeCache()
	prov := &fakeProvider{providerType: dto.ProviderGoogle}

	factory := provider.NewFactory(nil, nil, nil)
	factory.Register(dto.ProviderGoogle, prov)

	userID := uuid.New()
	conn := repo.addConnection(entity.CalendarConnection{
		BaseEntity:  baseEntityWithID(),
		UserID:      userID,
		Provider:    dto.ProviderGoogle,
		CalendarIDs: []string{"cal-1"},
		AutoSync:    true,
	})

	return &syncFixture{
		repo:     repo,
		tasks:    tasks,
		prov:     prov,
		cache:    cacheClient,
		svc:      NewSyncService(repo, tasks, factory, cacheClient, &config.Config{}),
		userID:   userID,
		conn:     conn,
		provider: dto.ProviderGoogle,
	}
}

func timedEvent(id string, start time.Time, dur time.Duration) dto.ExternalEvent {
	end := start.Add(dur)
	return dto.ExternalEvent{
		ID:         id,
		CalendarID: "cal-1",
		Summary:    "event " + id,
		Start:      dto.EventTime{DateTime: &start},
		End:        dto.EventTime{DateTime: &end},
		Extended:   map[string]string{},
	}
}

func TestPullConnectionSkipsWhenLockHeld(t *testing.T) {
	f := newSyncFixture(t)
	lockKey := constants.RedisKeySyncLock + f.conn.ID.String()
	require.NoError(t, f.cache.Set(context.Background(), lockKey, "held", time.Minute))

	report, err := f.svc.PullConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestPullConnectionUpsertsDeletesAndPersistsCursor(t *testing.T) {
	f := newSyncFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	busy := timedEvent("ext-busy", base, time.Hour)

	doer := timedEvent("ext-doer", base.Add(2*time.Hour), time.Hour)
	doer.Extended[dto.PropTaskID] = uuid.NewString()

	free := timedEvent("ext-free", base.Add(4*time.Hour), time.Hour)
	free.Transparent = true

	tombstone := dto.ExternalEvent{ID: "ext-gone", CalendarID: "cal-1", Deleted: true}

	broken := dto.ExternalEvent{ID: "ext-broken", CalendarID: "cal-1", Summary: "no times"}

	planID := uuid.New()
	f.tasks.conflictPlans = []uuid.UUID{planID}
	f.prov.fetchResult = &dto.FetchResult{
		Events:        []dto.ExternalEvent{busy, doer, free, tombstone, broken},
		NextSyncToken: "cursor-next",
		IsFullSync:    true,
	}

	report, err := f.svc.PullConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, f.conn.ID, report.ConnectionID)
	assert.Equal(t, f.provider, report.Provider)
	assert.True(t, report.FullSync)
	assert.Equal(t, 3, report.EventsUpserted)
	assert.Equal(t, 1, report.EventsDeleted)

	// Only the external busy event triggers a conflict lookup; events the
	// system pushed itself and transparent events never do.
	assert.Equal(t, 1, f.tasks.calls())
	assert.Equal(t, []uuid.UUID{planID}, report.ConflictingPlanIDs)

	cursor, ok := f.repo.cursorOf(f.conn.ID)
	require.True(t, ok)
	assert.Equal(t, "cursor-next", cursor)

	lockKey := constants.RedisKeySyncLock + f.conn.ID.String()
	assert.False(t, f.cache.holds(lockKey))
}

func TestPullConnectionIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.prov.fetchResult = &dto.FetchResult{
		Events:        []dto.ExternalEvent{timedEvent("ext-1", base, time.Hour)},
		NextSyncToken: "cursor-1",
	}

	for i := 0; i < 2; i++ {
		report, err := f.svc.PullConnection(context.Background(), f.conn.ID)
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.Equal(t, 1, report.EventsUpserted)
	}
	assert.Equal(t, 1, f.repo.eventCount())
}

func TestPullConnectionTombstoneClearsRecurrenceInstances(t *testing.T) {
	f := newSyncFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	href := "/calendars/1/work/standup.ics"
	f.prov.fetchResult = &dto.FetchResult{
		Events: []dto.ExternalEvent{
			timedEvent(href+"#20260302T090000Z", base, 30*time.Minute),
			timedEvent(href+"#20260303T090000Z", base.AddDate(0, 0, 1), 30*time.Minute),
		},
		NextSyncToken: "cursor-1",
	}
	_, err := f.svc.PullConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.repo.eventCount())

	// Deleting the recurring event tombstones the bare object id; every
	// stored instance goes with it, none survive as phantom busy slots.
	f.prov.fetchResult = &dto.FetchResult{
		Events:        []dto.ExternalEvent{{ID: href, CalendarID: "cal-1", Deleted: true}},
		NextSyncToken: "cursor-2",
	}
	report, err := f.svc.PullConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EventsDeleted)
	assert.Equal(t, 0, f.repo.eventCount())
}

func TestPullConnectionUpsertFailureLeavesCursorUntouched(t *testing.T) {
	f := newSyncFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.prov.fetchResult = &dto.FetchResult{
		Events:        []dto.ExternalEvent{timedEvent("ext-1", base, time.Hour)},
		NextSyncToken: "cursor-1",
	}
	f.repo.failUpsertEvent = true

	_, err := f.svc.PullConnection(context.Background(), f.conn.ID)
	require.Error(t, err)

	_, ok := f.repo.cursorOf(f.conn.ID)
	assert.False(t, ok)

	// The lock must not stay behind after a failed run.
	lockKey := constants.RedisKeySyncLock + f.conn.ID.String()
	assert.False(t, f.cache.holds(lockKey))
}

func TestPullConnectionUnknownConnection(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.svc.PullConnection(context.Background(), uuid.New())
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrNotFound, appErr.Code)
}

func TestSyncUserConnectionsSkipsFailingConnection(t *testing.T) {
	f := newSyncFixture(t)

	// Second connection on a provider whose fetch always fails.
	broken := &fakeProvider{providerType: dto.ProviderOutlook, fetchErr: assert.AnError}
	factory := provider.NewFactory(nil, nil, nil)
	factory.Register(dto.ProviderGoogle, f.prov)
	factory.Register(dto.ProviderOutlook, broken)
	svc := NewSyncService(f.repo, f.tasks, factory, f.cache, &config.Config{})

	f.repo.addConnection(entity.CalendarConnection{
		BaseEntity: baseEntityWithID(),
		UserID:     f.userID,
		Provider:   dto.ProviderOutlook,
		AutoSync:   true,
	})

	reports, err := svc.SyncUserConnections(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, f.conn.ID, reports[0].ConnectionID)
}

func TestListActiveConnectionIDs(t *testing.T) {
	f := newSyncFixture(t)
	f.repo.addConnection(entity.CalendarConnection{
		BaseEntity: baseEntityWithID(),
		UserID:     uuid.New(),
		Provider:   dto.ProviderOutlook,
		AutoSync:   false,
	})

	ids, err := f.svc.ListActiveConnectionIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, f.conn.ID, ids[0])
}

func TestPushTaskScheduleCreatesThenUpdates(t *testing.T) {
	f := newSyncFixture(t)
	schedule := f.tasks.addSchedule(taskEntity.TaskSchedule{
		BaseEntity: baseEntityWithID(),
		TaskID:     uuid.New(),
		UserID:     f.userID,
		Title:      "Write report",
		StartsAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Timezone:   "UTC",
	})

	require.NoError(t, f.svc.PushTaskSchedule(context.Background(), schedule.ID))

	pushes := f.prov.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "cal-1", pushes[0].calendarID)
	assert.Empty(t, pushes[0].task.ExternalEventID)

	links := f.repo.linksOf(schedule.ID)
	require.Len(t, links, 1)
	assert.Equal(t, "ext-1", links[0].ExternalEventID)
	assert.Equal(t, "Write report", links[0].TaskName)
	assert.Equal(t, 1, f.repo.eventCount())

	// A second push reuses the linked external event instead of creating a
	// duplicate.
	require.NoError(t, f.svc.PushTaskSchedule(context.Background(), schedule.ID))

	pushes = f.prov.pushed()
	require.Len(t, pushes, 2)
	assert.Equal(t, "ext-1", pushes[1].task.ExternalEventID)
	assert.Len(t, f.repo.linksOf(schedule.ID), 1)
	assert.Equal(t, 1, f.repo.eventCount())
}

func TestPushTaskScheduleDefaultsGooglePrimary(t *testing.T) {
	f := newSyncFixture(t)
	// Empty selection still pushes to Google's primary calendar.
	require.NoError(t, f.repo.UpdateConnectionSettings(context.Background(), f.conn.ID, []string{}, nil))

	schedule := f.tasks.addSchedule(taskEntity.TaskSchedule{
		BaseEntity: baseEntityWithID(),
		TaskID:     uuid.New(),
		UserID:     f.userID,
		Title:      "Standup",
		StartsAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
	})

	require.NoError(t, f.svc.PushTaskSchedule(context.Background(), schedule.ID))
	pushes := f.prov.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "primary", pushes[0].calendarID)
}

func TestPushTaskScheduleUnknownSchedule(t *testing.T) {
	f := newSyncFixture(t)

	err := f.svc.PushTaskSchedule(context.Background(), uuid.New())
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrNotFound, appErr.Code)
}

func TestRemoveTaskScheduleDeletesExternalMirror(t *testing.T) {
	f := newSyncFixture(t)
	schedule := f.tasks.addSchedule(taskEntity.TaskSchedule{
		BaseEntity: baseEntityWithID(),
		TaskID:     uuid.New(),
		UserID:     f.userID,
		Title:      "Review",
		StartsAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, f.svc.PushTaskSchedule(context.Background(), schedule.ID))
	require.Equal(t, 1, f.repo.eventCount())

	require.NoError(t, f.svc.RemoveTaskSchedule(context.Background(), schedule.ID))

	assert.Equal(t, []string{"ext-1"}, f.prov.deleted())
	assert.Equal(t, 0, f.repo.eventCount())
	assert.Empty(t, f.repo.linksOf(schedule.ID))
}

func TestRemoveTaskScheduleGoneScheduleStillClearsLinks(t *testing.T) {
	f := newSyncFixture(t)
	scheduleID := uuid.New()
	_, err := f.repo.UpsertEventLink(context.Background(), &entity.CalendarEventLink{
		CalendarEventID: uuid.New(),
		TaskID:          uuid.New(),
		TaskScheduleID:  scheduleID,
		ExternalEventID: "ext-orphan",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveTaskSchedule(context.Background(), scheduleID))
	assert.Empty(t, f.repo.linksOf(scheduleID))
	assert.Empty(t, f.prov.deleted())
}
