package router

import (
	"doer-api/core/middleware"
	"doer-api/modules/calendar/controller"

	"github.com/labstack/echo/v4"
)

type CalendarRouter struct {
	CalendarController *controller.CalendarController
}

func NewCalendarRouter(calendarController *controller.CalendarController) *CalendarRouter {
	return &CalendarRouter{
		CalendarController: calendarController,
	}
}

// Setup registers calendar routes. The OAuth callback is public: providers
// redirect the browser there without our JWT.
func (r *CalendarRouter) Setup(e *echo.Echo, mw *middleware.Middleware) {
	v1 := e.Group("/api/v1")

	public := v1.Group("/public/calendar")
	public.GET("/callback/:provider", r.CalendarController.Callback)
	public.POST("/callback/:provider", r.CalendarController.Callback)

	private := v1.Group("/private/calendar", mw.AuthMiddleware())
	private.GET("/connect/:provider", r.CalendarController.Connect)
	private.GET("/connections", r.CalendarController.GetConnections)
	private.GET("/connections/:provider/calendars", r.CalendarController.ListCalendars)
	private.PATCH("/connections/:provider", r.CalendarController.UpdateConnection)
	private.DELETE("/connections/:provider", r.CalendarController.Disconnect)
	private.POST("/sync", r.CalendarController.TriggerSync)
	private.GET("/busy", r.CalendarController.GetBusySlots)
}
