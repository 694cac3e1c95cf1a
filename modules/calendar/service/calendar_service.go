package service

import (
	"context"
	"strings"
	"time"

	"doer-api/core/constants"
	"doer-api/core/errors"
	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"
	"doer-api/modules/calendar/mapper"
	"doer-api/modules/calendar/provider"
	"doer-api/modules/calendar/repository"

	"github.com/google/uuid"
)

// SyncEnqueuer schedules an asynchronous pull for a connection. Implemented
// by the worker package; injected here to keep the dependency one-way.
type SyncEnqueuer interface {
	EnqueueConnectionSync(ctx context.Context, connectionID uuid.UUID) error
}

type CalendarService interface {
	// ConnectURL starts the connect flow: persists a one-time state and
	// returns the provider's consent URL. Providers without a redirect flow
	// (Apple) return an empty URL; the client submits credentials to the
	// callback directly, quoting the same state.
	ConnectURL(ctx context.Context, userID uuid.UUID, providerType string) (*dto.ConnectResponse, error)

	// HandleCallback completes the flow: verifies and consumes the state,
	// exchanges the code, stores encrypted tokens, selects the primary
	// calendar, and queues the first pull.
	HandleCallback(ctx context.Context, providerType, code, state, requestOrigin string) (*dto.CalendarConnectionResponse, error)

	GetConnections(ctx context.Context, userID uuid.UUID) (*dto.CalendarConnectionListResponse, error)
	ListProviderCalendars(ctx context.Context, userID uuid.UUID, providerType string) ([]dto.Calendar, error)
	UpdateConnection(ctx context.Context, userID uuid.UUID, providerType string, req *dto.UpdateConnectionRequest) (*dto.CalendarConnectionResponse, error)
	Disconnect(ctx context.Context, userID uuid.UUID, providerType string) error
}

type calendarService struct {
	repo     repository.CalendarRepository
	factory  *provider.Factory
	vault    *provider.TokenVault
	resolver *provider.ConfigResolver
	enqueuer SyncEnqueuer
}

func NewCalendarService(
	repo repository.CalendarRepository,
	factory *provider.Factory,
	vault *provider.TokenVault,
	resolver *provider.ConfigResolver,
	enqueuer SyncEnqueuer,
) CalendarService {
	return &calendarService{
		repo:     repo,
		factory:  factory,
		vault:    vault,
		resolver: resolver,
		enqueuer: enqueuer,
	}
}

func (s *calendarService) ConnectURL(ctx context.Context, userID uuid.UUID, providerType string) (*dto.ConnectResponse, error) {
	prov, err := s.factory.GetProvider(providerType)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "unsupported or misconfigured provider", err)
	}

	state, err := provider.GenerateOAuthState(userID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to generate state", err)
	}
	if err := s.repo.SaveOAuthState(ctx, state, providerType, userID, time.Now().Add(constants.OAuthStateTTL)); err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to persist state", err)
	}

	authURL, err := prov.GenerateAuthURL(state)
	if err != nil && err != provider.ErrNoAuthURL {
		return nil, errors.NewAppError(errors.ErrConfiguration, "failed to build auth URL", err)
	}

	return &dto.ConnectResponse{URL: authURL, State: state}, nil
}

func (s *calendarService) HandleCallback(ctx context.Context, providerType, code, state, requestOrigin string) (*dto.CalendarConnectionResponse, error) {
	prov, err := s.factory.GetProvider(providerType)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "unsupported or misconfigured provider", err)
	}

	// One-time use: a replayed state finds no row.
	stateRow, err := s.repo.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "state lookup failed", err)
	}
	if stateRow == nil || stateRow.Provider != providerType {
		return nil, errors.NewAppError(errors.ErrUnauthorized, "invalid or expired state", nil)
	}

	// The user comes from the consumed row, not from the attacker-writable
	// state string. The parsed claim still has to match what was issued.
	userID := stateRow.UserID
	if claimed, err := provider.ParseOAuthState(state); err != nil || claimed != userID {
		return nil, errors.NewAppError(errors.ErrUnauthorized, "state verification failed", err)
	}

	redirectURI := s.resolver.GetRedirectURI(providerType, requestOrigin)
	exchangeCtx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
	defer cancel()
	tokens, err := prov.ExchangeCodeForTokens(exchangeCtx, code, redirectURI)
	if err != nil {
		logger.Error("CalendarService:HandleCallback:ExchangeFailed", "error", err, "provider", providerType)
		return nil, errors.NewAppError(errors.ErrOAuthExchange, "authorization failed", err)
	}

	encAccess, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrConfiguration, "token encryption failed", err)
	}
	encRefresh, err := s.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrConfiguration, "token encryption failed", err)
	}

	conn := &entity.CalendarConnection{
		UserID:         userID,
		Provider:       providerType,
		AccessToken:    encAccess,
		RefreshToken:   encRefresh,
		TokenExpiresAt: tokens.ExpiresAt,
		AccountEmail:   accountEmailFor(providerType, code),
		AutoSync:       true,
	}
	if conn, err = s.repo.CreateConnection(ctx, conn); err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to store connection", err)
	}

	// Default calendar selection: the provider's primary, or the first
	// listed when none is flagged primary.
	calendars, err := prov.FetchCalendars(ctx, conn.ID)
	if err != nil {
		logger.Warn("CalendarService:HandleCallback:CalendarListFailed", "error", err, "connection_id", conn.ID)
	} else if len(calendars) > 0 {
		selected := calendars[0].ID
		for _, cal := range calendars {
			if cal.Primary {
				selected = cal.ID
				break
			}
		}
		if err := s.repo.UpdateConnectionSettings(ctx, conn.ID, []string{selected}, nil); err != nil {
			logger.Warn("CalendarService:HandleCallback:DefaultCalendarFailed", "error", err, "connection_id", conn.ID)
		} else {
			conn.CalendarIDs = []string{selected}
		}
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueConnectionSync(ctx, conn.ID); err != nil {
			logger.Warn("CalendarService:HandleCallback:InitialSyncEnqueueFailed", "error", err, "connection_id", conn.ID)
		}
	}

	logger.Info("CalendarService:HandleCallback:Connected", "user_id", userID, "provider", providerType, "connection_id", conn.ID)
	resp := mapper.ToConnectionResponse(conn)
	return &resp, nil
}

// accountEmailFor extracts a display identity where the flow carries one.
// Apple's credential flow embeds the Apple ID; OAuth providers would need an
// extra userinfo call, deferred until a profile field is required.
func accountEmailFor(providerType, code string) string {
	if providerType == dto.ProviderApple {
		if idx := strings.Index(code, ":"); idx > 0 {
			return code[:idx]
		}
	}
	return ""
}

func (s *calendarService) GetConnections(ctx context.Context, userID uuid.UUID) (*dto.CalendarConnectionListResponse, error) {
	conns, err := s.repo.GetConnectionsByUserID(ctx, userID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to list connections", err)
	}
	resp := mapper.ToConnectionListResponse(conns)
	return &resp, nil
}

func (s *calendarService) ListProviderCalendars(ctx context.Context, userID uuid.UUID, providerType string) ([]dto.Calendar, error) {
	conn, err := s.connectionOf(ctx, userID, providerType)
	if err != nil {
		return nil, err
	}
	prov, err := s.factory.GetProvider(providerType)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "unsupported or misconfigured provider", err)
	}
	calendars, err := prov.FetchCalendars(ctx, conn.ID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrTransport, "calendar list failed", err)
	}
	return calendars, nil
}

func (s *calendarService) UpdateConnection(ctx context.Context, userID uuid.UUID, providerType string, req *dto.UpdateConnectionRequest) (*dto.CalendarConnectionResponse, error) {
	conn, err := s.connectionOf(ctx, userID, providerType)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateConnectionSettings(ctx, conn.ID, req.CalendarIDs, req.AutoSync); err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to update connection", err)
	}

	updated, err := s.repo.GetConnection(ctx, conn.ID)
	if err != nil || updated == nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to reload connection", err)
	}
	resp := mapper.ToConnectionResponse(updated)
	return &resp, nil
}

func (s *calendarService) Disconnect(ctx context.Context, userID uuid.UUID, providerType string) error {
	if _, err := provider.ValidateProvider(providerType); err != nil {
		return errors.NewAppError(errors.ErrInvalidInput, "unsupported provider", err)
	}
	if err := s.repo.DeleteConnection(ctx, userID, providerType); err != nil {
		return errors.NewAppError(errors.ErrInternalServer, "failed to disconnect", err)
	}
	logger.Info("CalendarService:Disconnect:Completed", "user_id", userID, "provider", providerType)
	return nil
}

func (s *calendarService) connectionOf(ctx context.Context, userID uuid.UUID, providerType string) (*entity.CalendarConnection, error) {
	if _, err := provider.ValidateProvider(providerType); err != nil {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "unsupported provider", err)
	}
	conn, err := s.repo.GetConnectionByUserAndProvider(ctx, userID, providerType)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to load connection", err)
	}
	if conn == nil {
		return nil, errors.NewAppError(errors.ErrNotFound, "no connection for provider", nil)
	}
	return conn, nil
}
