package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	coreEntity "doer-api/core/entity"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"
	"doer-api/modules/calendar/provider"
	taskEntity "doer-api/modules/task/entity"

	"github.com/google/uuid"
)

// ========== cache fake ==========

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]string{}}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.data[key]; held {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *fakeCache) Expire(context.Context, string, time.Duration) error { return nil }

func (c *fakeCache) holds(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// ========== calendar repository fake ==========

type eventKey struct {
	connectionID uuid.UUID
	externalID   string
	calendarID   string
}

type fakeCalendarRepo struct {
	mu sync.Mutex

	connections map[uuid.UUID]entity.CalendarConnection
	events      map[eventKey]entity.CalendarEvent
	links       map[uuid.UUID][]entity.CalendarEventLink // keyed by task schedule id
	states      map[string]entity.OAuthState

	cursors map[uuid.UUID]string

	failUpsertEvent bool
}

func newFakeCalendarRepo() *fakeCalendarRepo {
	return &fakeCalendarRepo{
		connections: map[uuid.UUID]entity.CalendarConnection{},
		events:      map[eventKey]entity.CalendarEvent{},
		links:       map[uuid.UUID][]entity.CalendarEventLink{},
		states:      map[string]entity.OAuthState{},
		cursors:     map[uuid.UUID]string{},
	}
}

func (r *fakeCalendarRepo) addConnection(conn entity.CalendarConnection) entity.CalendarConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	r.connections[conn.ID] = conn
	return conn
}

func (r *fakeCalendarRepo) CreateConnection(_ context.Context, conn *entity.CalendarConnection) (*entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.connections {
		if existing.UserID == conn.UserID && existing.Provider == conn.Provider {
			conn.ID = id
			r.connections[id] = *conn
			return conn, nil
		}
	}
	conn.ID = uuid.New()
	conn.CreatedAt = time.Now()
	r.connections[conn.ID] = *conn
	return conn, nil
}

func (r *fakeCalendarRepo) GetConnection(_ context.Context, id uuid.UUID) (*entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return nil, nil
	}
	return &conn, nil
}

func (r *fakeCalendarRepo) GetConnectionByUserAndProvider(_ context.Context, userID uuid.UUID, provider string) (*entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.connections {
		if conn.UserID == userID && conn.Provider == provider {
			c := conn
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeCalendarRepo) GetConnectionsByUserID(_ context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.CalendarConnection
	for _, conn := range r.connections {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *fakeCalendarRepo) GetAutoSyncConnectionsByUserID(_ context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.CalendarConnection
	for _, conn := range r.connections {
		if conn.UserID == userID && conn.AutoSync {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *fakeCalendarRepo) ListActiveConnections(context.Context) ([]entity.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.CalendarConnection
	for _, conn := range r.connections {
		if conn.AutoSync {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *fakeCalendarRepo) UpdateConnectionTokens(_ context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return errors.New("connection not found")
	}
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.TokenExpiresAt = expiresAt
	r.connections[id] = conn
	return nil
}

func (r *fakeCalendarRepo) UpdateConnectionCursor(_ context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return errors.New("connection not found")
	}
	conn.SyncCursor = cursor
	conn.LastSyncedAt = &syncedAt
	r.connections[id] = conn
	r.cursors[id] = cursor
	return nil
}

func (r *fakeCalendarRepo) UpdateConnectionSettings(_ context.Context, id uuid.UUID, calendarIDs []string, autoSync *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return errors.New("connection not found")
	}
	if calendarIDs != nil {
		conn.CalendarIDs = calendarIDs
	}
	if autoSync != nil {
		conn.AutoSync = *autoSync
	}
	r.connections[id] = conn
	return nil
}

func (r *fakeCalendarRepo) DeleteConnection(_ context.Context, userID uuid.UUID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.connections {
		if conn.UserID == userID && conn.Provider == provider {
			delete(r.connections, id)
		}
	}
	return nil
}

func (r *fakeCalendarRepo) UpsertEvent(_ context.Context, ev *entity.CalendarEvent) (*entity.CalendarEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpsertEvent {
		return nil, errors.New("upsert rejected")
	}
	key := eventKey{ev.ConnectionID, ev.ExternalID, ev.CalendarID}
	if existing, ok := r.events[key]; ok {
		ev.ID = existing.ID
	} else if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	r.events[key] = *ev
	return ev, nil
}

func (r *fakeCalendarRepo) DeleteEventByExternalID(_ context.Context, connectionID uuid.UUID, externalID, calendarID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Matches the SQL: the base id also clears "<id>#<occurrence>" rows.
	for key := range r.events {
		if key.connectionID == connectionID && key.calendarID == calendarID &&
			(key.externalID == externalID || strings.HasPrefix(key.externalID, externalID+"#")) {
			delete(r.events, key)
		}
	}
	return nil
}

func (r *fakeCalendarRepo) DeleteEventsByConnectionID(_ context.Context, connectionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.events {
		if key.connectionID == connectionID {
			delete(r.events, key)
		}
	}
	return nil
}

func (r *fakeCalendarRepo) GetEventsInRange(_ context.Context, userID uuid.UUID, start, end time.Time) ([]entity.CalendarEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.CalendarEvent
	for _, ev := range r.events {
		conn, ok := r.connections[ev.ConnectionID]
		if !ok || conn.UserID != userID || !ev.IsBusy {
			continue
		}
		if ev.StartsAt.Before(end) && ev.EndsAt.After(start) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeCalendarRepo) UpsertEventLink(_ context.Context, link *entity.CalendarEventLink) (*entity.CalendarEventLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.links[link.TaskScheduleID]
	for i := range existing {
		if existing[i].CalendarEventID == link.CalendarEventID {
			link.ID = existing[i].ID
			existing[i] = *link
			return link, nil
		}
	}
	link.ID = uuid.New()
	r.links[link.TaskScheduleID] = append(existing, *link)
	return link, nil
}

func (r *fakeCalendarRepo) GetLinkByScheduleAndConnection(_ context.Context, taskScheduleID, connectionID uuid.UUID) (*entity.CalendarEventLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, link := range r.links[taskScheduleID] {
		for key, ev := range r.events {
			if ev.ID == link.CalendarEventID && key.connectionID == connectionID {
				l := link
				return &l, nil
			}
		}
	}
	return nil, nil
}

func (r *fakeCalendarRepo) DeleteLinksByScheduleID(_ context.Context, taskScheduleID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, taskScheduleID)
	return nil
}

func (r *fakeCalendarRepo) SaveOAuthState(_ context.Context, state, provider string, userID uuid.UUID, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state] = entity.OAuthState{State: state, Provider: provider, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (r *fakeCalendarRepo) ConsumeOAuthState(_ context.Context, state string) (*entity.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[state]
	if !ok || st.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	delete(r.states, state)
	return &st, nil
}

func (r *fakeCalendarRepo) CleanupExpiredOAuthStates(context.Context) error { return nil }

func (r *fakeCalendarRepo) cursorOf(id uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cursor, ok := r.cursors[id]
	return cursor, ok
}

func (r *fakeCalendarRepo) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *fakeCalendarRepo) linksOf(taskScheduleID uuid.UUID) []entity.CalendarEventLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.CalendarEventLink(nil), r.links[taskScheduleID]...)
}

// ========== task repository fake ==========

type fakeTaskRepo struct {
	mu            sync.Mutex
	schedules     map[uuid.UUID]taskEntity.TaskSchedule
	conflictPlans []uuid.UUID
	conflictCalls int
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{schedules: map[uuid.UUID]taskEntity.TaskSchedule{}}
}

func (r *fakeTaskRepo) addSchedule(s taskEntity.TaskSchedule) taskEntity.TaskSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	r.schedules[s.ID] = s
	return s
}

func (r *fakeTaskRepo) GetScheduleByID(_ context.Context, id uuid.UUID) (*taskEntity.TaskSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *fakeTaskRepo) FindConflictingPlanIDs(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _, _ time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflictCalls++
	return append([]uuid.UUID(nil), r.conflictPlans...), nil
}

func (r *fakeTaskRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflictCalls
}

// ========== provider fake ==========

type pushedCall struct {
	calendarID string
	task       dto.TaskEvent
}

type fakeProvider struct {
	mu sync.Mutex

	providerType string
	fetchResult  *dto.FetchResult
	fetchErr     error
	noAuthURL    bool
	exchangeErr  error

	pushes  []pushedCall
	deletes []string
}

func (p *fakeProvider) Type() string { return p.providerType }

func (p *fakeProvider) GenerateAuthURL(state string) (string, error) {
	if p.noAuthURL {
		return "", provider.ErrNoAuthURL
	}
	return "https://example.com/auth?state=" + state, nil
}

func (p *fakeProvider) ExchangeCodeForTokens(_ context.Context, code, _ string) (*dto.Tokens, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &dto.Tokens{
		AccessToken:  "access-for-" + code,
		RefreshToken: "refresh-for-" + code,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) RefreshAccessToken(context.Context, uuid.UUID) (*dto.Tokens, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) FetchCalendars(context.Context, uuid.UUID) ([]dto.Calendar, error) {
	return []dto.Calendar{{ID: "primary", Name: "Primary", Primary: true}}, nil
}

func (p *fakeProvider) FetchEvents(_ context.Context, _ uuid.UUID, _ []string, _ string, _, _ time.Time) (*dto.FetchResult, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if p.fetchResult != nil {
		return p.fetchResult, nil
	}
	return &dto.FetchResult{}, nil
}

func (p *fakeProvider) PushTaskToCalendar(_ context.Context, _ uuid.UUID, calendarID string, task *dto.TaskEvent) (*dto.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, pushedCall{calendarID: calendarID, task: *task})
	id := task.ExternalEventID
	if id == "" {
		id = fmt.Sprintf("ext-%d", len(p.pushes))
	}
	return &dto.PushResult{ExternalEventID: id, Created: task.ExternalEventID == ""}, nil
}

func (p *fakeProvider) DeleteTaskFromCalendar(_ context.Context, _ uuid.UUID, _ string, externalEventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, externalEventID)
	return true, nil
}

func (p *fakeProvider) ValidateConfig() error { return nil }

func (p *fakeProvider) pushed() []pushedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushedCall(nil), p.pushes...)
}

func (p *fakeProvider) deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deletes...)
}

// ========== shared helpers ==========

func baseEntityWithID() coreEntity.BaseEntity {
	return coreEntity.BaseEntity{ID: uuid.New(), CreatedAt: time.Now(), UpdatedAt: time.Now()}
}
