package provider

import "fmt"

// ConfigurationError means a required secret or credential is absent. Fatal
// at startup or first provider use; never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// OAuthExchangeError means the provider rejected an authorization code or
// omitted required token fields.
type OAuthExchangeError struct {
	Provider   string
	StatusCode int
	Body       string
	Message    string
}

func (e *OAuthExchangeError) Error() string {
	return fmt.Sprintf("oauth exchange failed for %s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

// OAuthRefreshError means the provider rejected a refresh token. The
// connection needs re-authorization; retrying cannot succeed.
type OAuthRefreshError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *OAuthRefreshError) Error() string {
	return fmt.Sprintf("oauth refresh rejected for %s (status %d)", e.Provider, e.StatusCode)
}

// syncTokenInvalidError signals an expired/invalid sync cursor. It never
// leaves the adapter boundary: the adapter catches it and falls back to a
// full sync for that calendar.
type syncTokenInvalidError struct {
	Provider   string
	CalendarID string
}

func (e *syncTokenInvalidError) Error() string {
	return fmt.Sprintf("sync token invalidated for %s calendar %s", e.Provider, e.CalendarID)
}

// TransportError is a timeout or non-2xx not otherwise classified.
type TransportError struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Provider, e.Operation, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedTokenError means a stored token blob failed decryption or tag
// verification. Unrecoverable for that connection.
type MalformedTokenError struct {
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return "malformed token blob: " + e.Reason
}

// NotFoundError means a row an operation expected is missing.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What + " not found"
}
