package errors

import "fmt"

type ErrorCode string

const (
	ErrInvalidInput               ErrorCode = "INVALID_INPUT"
	ErrInvalidRequestData         ErrorCode = "INVALID_REQUEST_DATA"
	ErrUnauthorized               ErrorCode = "UNAUTHORIZED"
	ErrTokenExpired               ErrorCode = "TOKEN_EXPIRED"
	ErrInvalidTokenFormat         ErrorCode = "INVALID_TOKEN_FORMAT"
	ErrMissingAuthorizationHeader ErrorCode = "MISSING_AUTHORIZATION_HEADER"
	ErrForbidden                  ErrorCode = "FORBIDDEN"
	ErrNotFound                   ErrorCode = "NOT_FOUND"
	ErrAlreadyExists              ErrorCode = "ALREADY_EXISTS"
	ErrInternalServer             ErrorCode = "INTERNAL_SERVER_ERROR"

	// Calendar sync specific codes
	ErrConfiguration  ErrorCode = "CONFIGURATION_ERROR"
	ErrOAuthExchange  ErrorCode = "OAUTH_EXCHANGE_ERROR"
	ErrOAuthRefresh   ErrorCode = "OAUTH_REFRESH_ERROR"
	ErrMalformedToken ErrorCode = "MALFORMED_TOKEN"
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
)

// AppError is the error type surfaced across service boundaries.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}
