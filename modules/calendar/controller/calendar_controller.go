package controller

import (
	"time"

	"doer-api/core/controller"
	"doer-api/core/errors"
	"doer-api/core/middleware"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/service"

	"github.com/labstack/echo/v4"
)

type CalendarController struct {
	controller.BaseController
	calendarSvc service.CalendarService
	syncSvc     service.SyncService
	busySvc     service.BusyService
}

func NewCalendarController(calendarSvc service.CalendarService, syncSvc service.SyncService, busySvc service.BusyService) *CalendarController {
	return &CalendarController{
		BaseController: controller.NewBaseController(),
		calendarSvc:    calendarSvc,
		syncSvc:        syncSvc,
		busySvc:        busySvc,
	}
}

// Connect starts the provider connect flow.
// GET /api/v1/private/calendar/connect/:provider
func (c *CalendarController) Connect(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	resp, err := c.calendarSvc.ConnectURL(ctx.Request().Context(), userID, ctx.Param("provider"))
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, resp, "authorization URL generated")
}

// Callback completes the connect flow. Public: the provider redirects the
// browser here without our JWT; the signed state carries the user identity.
// GET /api/v1/public/calendar/callback/:provider
func (c *CalendarController) Callback(ctx echo.Context) error {
	code := ctx.QueryParam("code")
	if code == "" {
		code = ctx.FormValue("code")
	}
	state := ctx.QueryParam("state")
	if state == "" {
		state = ctx.FormValue("state")
	}
	if code == "" || state == "" {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrInvalidInput, "code and state are required", nil))
	}

	origin := ctx.Request().Header.Get("Origin")
	conn, err := c.calendarSvc.HandleCallback(ctx.Request().Context(), ctx.Param("provider"), code, state, origin)
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, conn, "calendar connected")
}

// GetConnections lists the user's provider connections.
// GET /api/v1/private/calendar/connections
func (c *CalendarController) GetConnections(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	resp, err := c.calendarSvc.GetConnections(ctx.Request().Context(), userID)
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, resp, "")
}

// ListCalendars lists the provider-side calendars of one connection.
// GET /api/v1/private/calendar/connections/:provider/calendars
func (c *CalendarController) ListCalendars(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	calendars, err := c.calendarSvc.ListProviderCalendars(ctx.Request().Context(), userID, ctx.Param("provider"))
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, calendars, "")
}

// UpdateConnection changes calendar selection or the auto-sync flag.
// PATCH /api/v1/private/calendar/connections/:provider
func (c *CalendarController) UpdateConnection(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	var req dto.UpdateConnectionRequest
	if err := ctx.Bind(&req); err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrInvalidInput, "invalid request body", err))
	}

	resp, err := c.calendarSvc.UpdateConnection(ctx.Request().Context(), userID, ctx.Param("provider"), &req)
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, resp, "connection updated")
}

// Disconnect removes a provider connection and its synced events.
// DELETE /api/v1/private/calendar/connections/:provider
func (c *CalendarController) Disconnect(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	if err := c.calendarSvc.Disconnect(ctx.Request().Context(), userID, ctx.Param("provider")); err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, nil, "disconnected")
}

// TriggerSync pulls every auto-sync connection of the user now.
// POST /api/v1/private/calendar/sync
func (c *CalendarController) TriggerSync(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	reports, err := c.syncSvc.SyncUserConnections(ctx.Request().Context(), userID)
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, reports, "sync completed")
}

// GetBusySlots returns the user's busy intervals.
// GET /api/v1/private/calendar/busy?start=...&end=...&merged=true
func (c *CalendarController) GetBusySlots(ctx echo.Context) error {
	userID, err := middleware.UserIDFromContext(ctx)
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrUnauthorized, "invalid user", err))
	}

	start, err := time.Parse(time.RFC3339, ctx.QueryParam("start"))
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrInvalidInput, "invalid start, expected RFC3339", err))
	}
	end, err := time.Parse(time.RFC3339, ctx.QueryParam("end"))
	if err != nil {
		return c.ErrorResponse(ctx, errors.NewAppError(errors.ErrInvalidInput, "invalid end, expected RFC3339", err))
	}

	var resp *dto.BusySlotsResponse
	if ctx.QueryParam("merged") == "true" {
		resp, err = c.busySvc.GetMergedBusySlots(ctx.Request().Context(), userID, start, end)
	} else {
		resp, err = c.busySvc.GetBusySlots(ctx.Request().Context(), userID, start, end)
	}
	if err != nil {
		return c.ErrorResponse(ctx, err)
	}
	return c.SuccessResponse(ctx, resp, "")
}
