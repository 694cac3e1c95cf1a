package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doer-api/core/cache"
	"doer-api/core/config"
	"doer-api/core/database"
	"doer-api/core/logger"
	calendarModule "doer-api/modules/calendar"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

// Run wires the whole application and blocks until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Server.LogLevel, cfg.Server.Environment)

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	cacheClient, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.RequestID())
	e.Use(echoMiddleware.CORS())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	calendar := calendarModule.Init(e, cfg, &db, cacheClient)
	if err := calendar.Worker.Start(); err != nil {
		return fmt.Errorf("start sync worker: %w", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("Server:Run:Listening", "addr", addr, "environment", cfg.Server.Environment)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server:Run:Stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server:Run:ShuttingDown")
	calendar.Worker.Shutdown()
	if err := calendar.Queue.Close(); err != nil {
		logger.Warn("Server:Run:QueueCloseFailed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}
