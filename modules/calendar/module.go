package calendar

import (
	"doer-api/core/cache"
	"doer-api/core/config"
	"doer-api/core/database"
	"doer-api/core/middleware"
	"doer-api/modules/calendar/controller"
	"doer-api/modules/calendar/provider"
	"doer-api/modules/calendar/repository"
	"doer-api/modules/calendar/router"
	"doer-api/modules/calendar/service"
	"doer-api/modules/calendar/worker"
	taskRepository "doer-api/modules/task/repository"

	"github.com/labstack/echo/v4"
)

// Module holds the calendar subsystem's long-lived pieces so the server can
// shut the worker down cleanly.
type Module struct {
	SyncService service.SyncService
	Worker      *worker.Server
	Queue       *worker.Client
}

func Init(e *echo.Echo, cfg *config.Config, db database.IDatabase, cacheClient cache.Cache) *Module {
	repo := repository.NewCalendarRepository(db)
	taskRepo := taskRepository.NewTaskRepository(db)

	vault := provider.NewTokenVault(cfg.Calendar.EncryptionSecret)
	resolver := provider.NewConfigResolver(cfg)
	factory := provider.NewFactory(resolver, repo, vault)

	queue := worker.NewClient(cfg.Redis)
	syncSvc := service.NewSyncService(repo, taskRepo, factory, cacheClient, cfg)
	calendarSvc := service.NewCalendarService(repo, factory, vault, resolver, queue)
	busySvc := service.NewBusyService(repo)

	calendarController := controller.NewCalendarController(calendarSvc, syncSvc, busySvc)
	mw := middleware.NewMiddleware()
	router.NewCalendarRouter(calendarController).Setup(e, mw)

	return &Module{
		SyncService: syncSvc,
		Worker:      worker.NewServer(cfg, syncSvc, queue),
		Queue:       queue,
	}
}
