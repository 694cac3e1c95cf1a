package middleware

import (
	"net/http"
	"strings"

	"doer-api/core/constants"
	"doer-api/core/errors"
	"doer-api/core/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Middleware struct{}

func NewMiddleware() *Middleware {
	return &Middleware{}
}

// AuthMiddleware validates the Bearer token and stores the caller identity
// in the request context under constants.ContextTokenData.
func (m *Middleware) AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized,
					errors.NewAppError(errors.ErrMissingAuthorizationHeader, "Authorization header is required", nil))
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized,
					errors.NewAppError(errors.ErrInvalidTokenFormat, "Authorization header must be a Bearer token", nil))
			}

			tokenData, err := utils.ParseToken(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized,
					errors.NewAppError(errors.ErrUnauthorized, "Invalid or expired token", err))
			}

			c.Set(constants.ContextTokenData, tokenData)
			return next(c)
		}
	}
}

// UserIDFromContext extracts the authenticated user id set by AuthMiddleware.
func UserIDFromContext(c echo.Context) (uuid.UUID, error) {
	data, ok := c.Get(constants.ContextTokenData).(*utils.TokenData)
	if !ok || data == nil {
		return uuid.Nil, errors.NewAppError(errors.ErrUnauthorized, "no authenticated user in context", nil)
	}
	return data.UserID, nil
}
