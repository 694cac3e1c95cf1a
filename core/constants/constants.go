package constants

import "time"

// Timeouts
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
	ProviderCallTimeout   = 30 * time.Second
)

// Context keys
const (
	ContextTokenData = "token_data"
)

// Token scopes
const (
	ScopeTokenAccess  = "access"
	ScopeTokenRefresh = "refresh"
)

// Database pool settings
const (
	DatabaseMaxOpenConns    = 25
	DatabaseMaxIdleConns    = 5
	DatabaseConnMaxLifetime = 30 // minutes
	DatabaseSSLMode         = "disable"
)

// Calendar sync settings
const (
	// TokenRefreshWindow is how close to expiry a token may get before a
	// provider call forces a refresh first.
	TokenRefreshWindow = 5 * time.Minute

	// DefaultSyncWindowDays bounds a full sync when no cursor exists.
	DefaultSyncWindowDays = 30

	// SyncLockTTL bounds how long a pull cycle may hold its per-connection lock.
	SyncLockTTL = 2 * time.Minute

	// OAuthStateTTL is how long a pending OAuth state stays valid.
	OAuthStateTTL = 10 * time.Minute
)

// Redis key prefixes
const (
	RedisKeySyncLock = "calendar:sync:lock:"
)

// CalendarCallbackPath is the standard per-provider OAuth callback route.
// Format with the provider tag.
const CalendarCallbackPathFormat = "/api/v1/public/calendar/callback/%s"

// ProductionAppURL is the last-known production domain, used as a redirect
// URI fallback when no base URL is configured.
const ProductionAppURL = "https://app.doer.do"
