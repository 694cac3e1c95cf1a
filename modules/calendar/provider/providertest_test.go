package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"doer-api/core/entity"
	calEntity "doer-api/modules/calendar/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testVaultSecret = "unit-test-vault-secret-0123456789"

// fakeStore is an in-memory ConnectionStore for adapter tests.
type fakeStore struct {
	mu           sync.Mutex
	conns        map[uuid.UUID]*calEntity.CalendarConnection
	tokenUpdates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{conns: map[uuid.UUID]*calEntity.CalendarConnection{}}
}

func (s *fakeStore) GetConnection(_ context.Context, id uuid.UUID) (*calEntity.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (s *fakeStore) UpdateConnectionTokens(_ context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.AccessToken = accessToken
		conn.RefreshToken = refreshToken
		conn.TokenExpiresAt = expiresAt
	}
	s.tokenUpdates++
	return nil
}

func (s *fakeStore) updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenUpdates
}

// seedConnection stores a connection whose tokens are vault-encrypted, the
// same shape production rows have.
func seedConnection(t *testing.T, store *fakeStore, vault *TokenVault, provider, access, refresh string, expiresAt time.Time) uuid.UUID {
	t.Helper()

	encAccess, err := vault.Encrypt(access)
	require.NoError(t, err)
	encRefresh, err := vault.Encrypt(refresh)
	require.NoError(t, err)

	id := uuid.New()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.conns[id] = &calEntity.CalendarConnection{
		BaseEntity:     entity.BaseEntity{ID: id},
		UserID:         uuid.New(),
		Provider:       provider,
		AccessToken:    encAccess,
		RefreshToken:   encRefresh,
		TokenExpiresAt: expiresAt,
	}
	return id
}
