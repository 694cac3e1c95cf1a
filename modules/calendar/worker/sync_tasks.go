package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"doer-api/core/config"
	"doer-api/core/logger"
	"doer-api/modules/calendar/service"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskSyncConnection = "calendar:sync_connection"
	TaskSyncAll        = "calendar:sync_all"

	defaultSyncCron = "@every 15m"
)

type syncConnectionPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// Client enqueues sync jobs. It satisfies service.SyncEnqueuer.
type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *Client) EnqueueConnectionSync(ctx context.Context, connectionID uuid.UUID) error {
	payload, err := json.Marshal(syncConnectionPayload{ConnectionID: connectionID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskSyncConnection, payload)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Unique(10*time.Minute),
	)
	if err != nil {
		return err
	}
	logger.Debug("Worker:EnqueueConnectionSync:Queued", "task_id", info.ID, "connection_id", connectionID)
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

var _ service.SyncEnqueuer = (*Client)(nil)

// Server runs the sync job handlers and the periodic fleet sweep.
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	syncSvc   service.SyncService
	client    *Client
	cron      string
}

func NewServer(cfg *config.Config, syncSvc service.SyncService, client *Client) *Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	cron := cfg.Calendar.SyncCron
	if cron == "" {
		cron = defaultSyncCron
	}

	return &Server{
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 5,
			Queues:      map[string]int{"default": 1},
		}),
		scheduler: asynq.NewScheduler(redisOpt, nil),
		syncSvc:   syncSvc,
		client:    client,
		cron:      cron,
	}
}

// Start registers handlers, schedules the periodic sweep, and runs both in
// the background.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSyncConnection, s.handleSyncConnection)
	mux.HandleFunc(TaskSyncAll, s.handleSyncAll)

	if _, err := s.scheduler.Register(s.cron, asynq.NewTask(TaskSyncAll, nil)); err != nil {
		return fmt.Errorf("register periodic sync: %w", err)
	}

	go func() {
		if err := s.server.Run(mux); err != nil {
			logger.Error("Worker:Server:Stopped", "error", err)
		}
	}()
	go func() {
		if err := s.scheduler.Run(); err != nil {
			logger.Error("Worker:Scheduler:Stopped", "error", err)
		}
	}()

	logger.Info("Worker:Server:Started", "cron", s.cron)
	return nil
}

func (s *Server) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
}

func (s *Server) handleSyncConnection(ctx context.Context, t *asynq.Task) error {
	var payload syncConnectionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// A malformed payload never becomes valid; don't retry.
		logger.Error("Worker:SyncConnection:BadPayload", "error", err)
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	report, err := s.syncSvc.PullConnection(ctx, payload.ConnectionID)
	if err != nil {
		logger.Error("Worker:SyncConnection:Failed", "error", err, "connection_id", payload.ConnectionID)
		return err
	}
	if report == nil {
		logger.Debug("Worker:SyncConnection:Skipped", "connection_id", payload.ConnectionID)
	}
	return nil
}

// handleSyncAll fans the fleet out into one task per connection so a slow
// provider cannot stall the sweep.
func (s *Server) handleSyncAll(ctx context.Context, _ *asynq.Task) error {
	ids, err := s.syncSvc.ListActiveConnectionIDs(ctx)
	if err != nil {
		logger.Error("Worker:SyncAll:ListFailed", "error", err)
		return err
	}

	for _, id := range ids {
		if err := s.client.EnqueueConnectionSync(ctx, id); err != nil {
			logger.Error("Worker:SyncAll:EnqueueFailed", "error", err, "connection_id", id)
		}
	}
	logger.Info("Worker:SyncAll:Dispatched", "connection_count", len(ids))
	return nil
}
