package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"doer-api/modules/calendar/dto"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncService struct {
	mu      sync.Mutex
	pulled  []uuid.UUID
	pullErr error
	report  *dto.SyncReport
	active  []uuid.UUID
}

func (s *fakeSyncService) PullConnection(_ context.Context, connectionID uuid.UUID) (*dto.SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulled = append(s.pulled, connectionID)
	return s.report, s.pullErr
}

func (s *fakeSyncService) SyncUserConnections(context.Context, uuid.UUID) ([]dto.SyncReport, error) {
	return nil, nil
}

func (s *fakeSyncService) ListActiveConnectionIDs(context.Context) ([]uuid.UUID, error) {
	return s.active, nil
}

func (s *fakeSyncService) PushTaskSchedule(context.Context, uuid.UUID) error   { return nil }
func (s *fakeSyncService) RemoveTaskSchedule(context.Context, uuid.UUID) error { return nil }

func TestHandleSyncConnection(t *testing.T) {
	svc := &fakeSyncService{report: &dto.SyncReport{}}
	srv := &Server{syncSvc: svc}

	connID := uuid.New()
	payload, err := json.Marshal(syncConnectionPayload{ConnectionID: connID})
	require.NoError(t, err)

	err = srv.handleSyncConnection(context.Background(), asynq.NewTask(TaskSyncConnection, payload))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{connID}, svc.pulled)
}

func TestHandleSyncConnectionSkippedByLock(t *testing.T) {
	// A nil report means another worker held the lock; the task still
	// completes without error.
	svc := &fakeSyncService{}
	srv := &Server{syncSvc: svc}

	payload, _ := json.Marshal(syncConnectionPayload{ConnectionID: uuid.New()})
	err := srv.handleSyncConnection(context.Background(), asynq.NewTask(TaskSyncConnection, payload))
	assert.NoError(t, err)
}

func TestHandleSyncConnectionBadPayloadSkipsRetry(t *testing.T) {
	srv := &Server{syncSvc: &fakeSyncService{}}

	err := srv.handleSyncConnection(context.Background(), asynq.NewTask(TaskSyncConnection, []byte("not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSyncConnectionPropagatesPullError(t *testing.T) {
	svc := &fakeSyncService{pullErr: assert.AnError}
	srv := &Server{syncSvc: svc}

	payload, _ := json.Marshal(syncConnectionPayload{ConnectionID: uuid.New()})
	err := srv.handleSyncConnection(context.Background(), asynq.NewTask(TaskSyncConnection, payload))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}
