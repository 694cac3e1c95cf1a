package provider

import (
	"context"
	"sync"
	"time"

	"doer-api/core/constants"
	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"

	"github.com/google/uuid"
)

// refreshFunc performs the provider-specific refresh-token call.
type refreshFunc func(ctx context.Context, refreshToken string) (*dto.Tokens, error)

// baseProvider carries the token lifecycle shared by every adapter: load the
// connection, decrypt, proactively refresh when close to expiry, re-encrypt
// and persist. Refresh is a per-connection critical section.
type baseProvider struct {
	store ConnectionStore
	vault *TokenVault

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newBaseProvider(store ConnectionStore, vault *TokenVault) baseProvider {
	return baseProvider{
		store: store,
		vault: vault,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (b *baseProvider) connLock(id uuid.UUID) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[id]
	if !ok {
		l = &sync.Mutex{}
		b.locks[id] = l
	}
	return l
}

// connection loads and returns the connection row.
func (b *baseProvider) connection(ctx context.Context, id uuid.UUID) (*entity.CalendarConnection, error) {
	conn, err := b.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, &NotFoundError{What: "calendar connection " + id.String()}
	}
	return conn, nil
}

// accessToken returns a usable plaintext access token for the connection,
// refreshing first when expiry is within the refresh window. refresh may be
// nil for providers without a refresh endpoint.
func (b *baseProvider) accessToken(ctx context.Context, id uuid.UUID, refresh refreshFunc) (*entity.CalendarConnection, string, error) {
	conn, err := b.connection(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if refresh == nil || time.Now().Before(conn.TokenExpiresAt.Add(-constants.TokenRefreshWindow)) {
		access, err := b.vault.Decrypt(conn.AccessToken)
		if err != nil {
			return nil, "", err
		}
		return conn, access, nil
	}

	lock := b.connLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	conn, err = b.connection(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if time.Now().Before(conn.TokenExpiresAt.Add(-constants.TokenRefreshWindow)) {
		access, err := b.vault.Decrypt(conn.AccessToken)
		if err != nil {
			return nil, "", err
		}
		return conn, access, nil
	}

	tokens, err := b.refreshAndPersist(ctx, conn, refresh)
	if err != nil {
		return nil, "", err
	}
	return conn, tokens.AccessToken, nil
}

// refreshAndPersist runs the provider refresh call and writes the
// re-encrypted result back. When the provider does not rotate the refresh
// token, the old one is retained. Caller must hold the connection lock.
func (b *baseProvider) refreshAndPersist(ctx context.Context, conn *entity.CalendarConnection, refresh refreshFunc) (*dto.Tokens, error) {
	refreshToken, err := b.vault.Decrypt(conn.RefreshToken)
	if err != nil {
		return nil, err
	}

	logger.Info("CalendarProvider:RefreshAccessToken", "connection_id", conn.ID, "provider", conn.Provider)

	tokens, err := refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	encAccess, err := b.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh, err := b.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	if err := b.store.UpdateConnectionTokens(ctx, conn.ID, encAccess, encRefresh, tokens.ExpiresAt); err != nil {
		return nil, err
	}

	conn.AccessToken = encAccess
	conn.RefreshToken = encRefresh
	conn.TokenExpiresAt = tokens.ExpiresAt
	return tokens, nil
}

// forceRefresh is the public RefreshAccessToken path shared by adapters.
func (b *baseProvider) forceRefresh(ctx context.Context, id uuid.UUID, refresh refreshFunc) (*dto.Tokens, error) {
	lock := b.connLock(id)
	lock.Lock()
	defer lock.Unlock()

	conn, err := b.connection(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.refreshAndPersist(ctx, conn, refresh)
}
