package provider

import (
	"context"
	"time"

	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"

	"github.com/google/uuid"
)

// ConnectionStore is the slice of the calendar repository the adapters need
// for token lifecycle management.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*entity.CalendarConnection, error)
	UpdateConnectionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
}

// CalendarProvider is the contract every provider adapter implements. The
// fetch/push plumbing differs per provider; busy-slot and conflict logic
// never branches on provider type.
type CalendarProvider interface {
	// Type returns the provider tag (google, outlook, apple).
	Type() string

	// GenerateAuthURL builds the provider's OAuth consent URL with the
	// minimum read+write calendar scopes, embedding state for CSRF
	// protection.
	GenerateAuthURL(state string) (string, error)

	// ExchangeCodeForTokens trades an authorization code for tokens. Both
	// access and refresh token must be present for providers that support
	// refresh; absence is a hard OAuthExchangeError.
	ExchangeCodeForTokens(ctx context.Context, code string, redirectURI string) (*dto.Tokens, error)

	// RefreshAccessToken refreshes the connection's tokens and persists the
	// re-encrypted result. A rejected refresh token surfaces as
	// OAuthRefreshError, meaning the connection needs re-authorization.
	RefreshAccessToken(ctx context.Context, connectionID uuid.UUID) (*dto.Tokens, error)

	// FetchCalendars lists the calendars the user can read.
	FetchCalendars(ctx context.Context, connectionID uuid.UUID) ([]dto.Calendar, error)

	// FetchEvents runs one incremental sync across the selected calendars.
	// Without a cursor it is a full sync bounded by [timeMin, timeMax] with
	// deletions included. A cursor rejected as expired falls back to a full
	// sync transparently; the caller only sees IsFullSync.
	FetchEvents(ctx context.Context, connectionID uuid.UUID, calendarIDs []string, syncToken string, timeMin, timeMax time.Time) (*dto.FetchResult, error)

	// PushTaskToCalendar creates or updates the external event mirroring one
	// scheduled task occurrence, embedding DOER identifiers so future pulls
	// recognize it.
	PushTaskToCalendar(ctx context.Context, connectionID uuid.UUID, calendarID string, task *dto.TaskEvent) (*dto.PushResult, error)

	// DeleteTaskFromCalendar removes a pushed event. Already-gone (404) is
	// success.
	DeleteTaskFromCalendar(ctx context.Context, connectionID uuid.UUID, calendarID, externalEventID string) (bool, error)

	// ValidateConfig fails fast when required credentials are missing.
	ValidateConfig() error
}
