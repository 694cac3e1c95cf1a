package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"doer-api/core/config"
	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleCalendarAPIBase = "https://www.googleapis.com/calendar/v3"

var googleScopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/calendar.events",
}

// GoogleProvider talks to the Google Calendar v3 API through the oauth2
// client library. Incremental sync uses the native syncToken mechanism; DOER
// identifiers ride in extendedProperties.private.
type GoogleProvider struct {
	baseProvider
	clientCfg  config.OAuthClientConfig
	resolver   *ConfigResolver
	httpClient *http.Client
	endpoint   oauth2.Endpoint

	// apiBase is overridable in tests.
	apiBase string
}

func NewGoogleProvider(resolver *ConfigResolver, store ConnectionStore, vault *TokenVault) *GoogleProvider {
	cc, _ := resolver.cfg.OAuthClient(dto.ProviderGoogle)
	return &GoogleProvider{
		baseProvider: newBaseProvider(store, vault),
		clientCfg:    cc,
		resolver:     resolver,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		endpoint:     google.Endpoint,
		apiBase:      googleCalendarAPIBase,
	}
}

func (p *GoogleProvider) Type() string {
	return dto.ProviderGoogle
}

func (p *GoogleProvider) ValidateConfig() error {
	_, err := p.resolver.GetConfig(dto.ProviderGoogle)
	return err
}

func (p *GoogleProvider) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientCfg.ClientID,
		ClientSecret: p.clientCfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       googleScopes,
		Endpoint:     p.endpoint,
	}
}

func (p *GoogleProvider) GenerateAuthURL(state string) (string, error) {
	if err := p.ValidateConfig(); err != nil {
		return "", err
	}
	redirectURI := p.resolver.GetRedirectURI(dto.ProviderGoogle, "")
	// ApprovalForce guarantees Google issues a refresh token on re-consent.
	return p.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (p *GoogleProvider) ExchangeCodeForTokens(ctx context.Context, code string, redirectURI string) (*dto.Tokens, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, googleExchangeError(err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, &OAuthExchangeError{
			Provider: dto.ProviderGoogle,
			Message:  "provider response missing access or refresh token",
		}
	}

	return &dto.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

func googleExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &OAuthExchangeError{
			Provider:   dto.ProviderGoogle,
			StatusCode: status,
			Body:       string(re.Body),
			Message:    "provider rejected authorization code",
		}
	}
	return &OAuthExchangeError{Provider: dto.ProviderGoogle, Message: err.Error()}
}

func (p *GoogleProvider) refreshTokens(ctx context.Context, refreshToken string) (*dto.Tokens, error) {
	data := url.Values{}
	data.Set("client_id", p.clientCfg.ClientID)
	data.Set("client_secret", p.clientCfg.ClientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &OAuthRefreshError{Provider: dto.ProviderGoogle, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "token refresh decode", Err: err}
	}
	if result.Error != "" || result.AccessToken == "" {
		return nil, &OAuthRefreshError{Provider: dto.ProviderGoogle, StatusCode: resp.StatusCode, Body: string(body)}
	}

	expiresIn := result.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return &dto.Tokens{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (p *GoogleProvider) RefreshAccessToken(ctx context.Context, connectionID uuid.UUID) (*dto.Tokens, error) {
	return p.forceRefresh(ctx, connectionID, p.refreshTokens)
}

func (p *GoogleProvider) FetchCalendars(ctx context.Context, connectionID uuid.UUID) ([]dto.Calendar, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	var calendars []dto.Calendar
	pageToken := ""
	for {
		endpoint := p.apiBase + "/users/me/calendarList"
		params := url.Values{}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}

		body, _, err := p.apiGet(ctx, endpoint, accessToken)
		if err != nil {
			return nil, err
		}

		var result struct {
			Items []struct {
				ID      string `json:"id"`
				Summary string `json:"summary"`
				Primary bool   `json:"primary"`
			} `json:"items"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "calendar list decode", Err: err}
		}

		for _, item := range result.Items {
			calendars = append(calendars, dto.Calendar{ID: item.ID, Name: item.Summary, Primary: item.Primary})
		}
		if result.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = result.NextPageToken
	}
}

func (p *GoogleProvider) FetchEvents(ctx context.Context, connectionID uuid.UUID, calendarIDs []string, syncToken string, timeMin, timeMax time.Time) (*dto.FetchResult, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	cursors := decodeCursor(syncToken)
	nextCursors := map[string]string{}
	result := &dto.FetchResult{}

	for _, calendarID := range calendarIDs {
		events, nextToken, fullSync, err := p.fetchCalendarEvents(ctx, accessToken, calendarID, cursors[calendarID], timeMin, timeMax)
		if err != nil {
			// A non-cursor failure on any calendar aborts the whole call.
			return nil, err
		}
		result.Events = append(result.Events, events...)
		if nextToken != "" {
			nextCursors[calendarID] = nextToken
		}
		if fullSync {
			result.IsFullSync = true
		}
	}

	result.NextSyncToken = encodeCursor(nextCursors)
	return result, nil
}

// fetchCalendarEvents drains every page of one calendar's event list. A
// rejected sync token triggers a transparent retry without it.
func (p *GoogleProvider) fetchCalendarEvents(ctx context.Context, accessToken, calendarID, syncToken string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, bool, error) {
	fullSync := syncToken == ""

	events, nextToken, err := p.listEventPages(ctx, accessToken, calendarID, syncToken, timeMin, timeMax)
	if err != nil {
		var invalid *syncTokenInvalidError
		if errors.As(err, &invalid) {
			logger.Info("GoogleProvider:FetchEvents:SyncTokenInvalidated",
				"calendar_id", calendarID, "action", "full sync fallback")
			events, nextToken, err = p.listEventPages(ctx, accessToken, calendarID, "", timeMin, timeMax)
			fullSync = true
		}
		if err != nil {
			return nil, "", false, err
		}
	}
	return events, nextToken, fullSync, nil
}

func (p *GoogleProvider) listEventPages(ctx context.Context, accessToken, calendarID, syncToken string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, error) {
	var events []dto.ExternalEvent
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("maxResults", "250")
		params.Set("singleEvents", "true")
		if syncToken != "" {
			params.Set("syncToken", syncToken)
		} else {
			params.Set("timeMin", timeMin.UTC().Format(time.RFC3339))
			params.Set("timeMax", timeMax.UTC().Format(time.RFC3339))
			params.Set("showDeleted", "true")
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", p.apiBase, url.PathEscape(calendarID), params.Encode())
		body, status, err := p.apiGet(ctx, endpoint, accessToken)
		if err != nil {
			if isGoogleSyncTokenError(status, body) {
				return nil, "", &syncTokenInvalidError{Provider: dto.ProviderGoogle, CalendarID: calendarID}
			}
			return nil, "", err
		}

		var page struct {
			Items         []googleEvent `json:"items"`
			NextPageToken string        `json:"nextPageToken"`
			NextSyncToken string        `json:"nextSyncToken"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", &TransportError{Provider: dto.ProviderGoogle, Operation: "event list decode", Err: err}
		}

		for i := range page.Items {
			events = append(events, page.Items[i].toExternal(calendarID))
		}
		if page.NextPageToken == "" {
			return events, page.NextSyncToken, nil
		}
		pageToken = page.NextPageToken
	}
}

// isGoogleSyncTokenError recognizes the distinct signals Google uses for an
// expired or invalid sync token.
func isGoogleSyncTokenError(status int, body []byte) bool {
	if status == http.StatusGone {
		return true
	}
	if status == http.StatusForbidden || status == http.StatusBadRequest || status == http.StatusNotFound {
		return bytes.Contains(bytes.ToLower(body), []byte("sync token"))
	}
	return false
}

func (p *GoogleProvider) PushTaskToCalendar(ctx context.Context, connectionID uuid.UUID, calendarID string, task *dto.TaskEvent) (*dto.PushResult, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	payload := googleEventPayload(task)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	method := http.MethodPost
	endpoint := fmt.Sprintf("%s/calendars/%s/events", p.apiBase, url.PathEscape(calendarID))
	if task.ExternalEventID != "" {
		method = http.MethodPatch
		endpoint = fmt.Sprintf("%s/%s", endpoint, url.PathEscape(task.ExternalEventID))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "push event", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	// A stale link points at an event deleted on the provider side; recreate.
	if task.ExternalEventID != "" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		retry := *task
		retry.ExternalEventID = ""
		return p.PushTaskToCalendar(ctx, connectionID, calendarID, &retry)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "push event", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var created struct {
		ID   string `json:"id"`
		ETag string `json:"etag"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, &TransportError{Provider: dto.ProviderGoogle, Operation: "push event decode", Err: err}
	}

	return &dto.PushResult{
		ExternalEventID: created.ID,
		ETag:            created.ETag,
		Created:         task.ExternalEventID == "",
	}, nil
}

func (p *GoogleProvider) DeleteTaskFromCalendar(ctx context.Context, connectionID uuid.UUID, calendarID, externalEventID string) (bool, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s", p.apiBase, url.PathEscape(calendarID), url.PathEscape(externalEventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Provider: dto.ProviderGoogle, Operation: "delete event", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return true, nil
	default:
		return false, &TransportError{Provider: dto.ProviderGoogle, Operation: "delete event", StatusCode: resp.StatusCode}
	}
}

func (p *GoogleProvider) apiGet(ctx context.Context, endpoint, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Provider: dto.ProviderGoogle, Operation: "GET " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, &TransportError{Provider: dto.ProviderGoogle, Operation: "GET", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}

// ========== wire types ==========

type googleEventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEvent struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	Summary            string          `json:"summary"`
	Description        string          `json:"description"`
	Start              googleEventTime `json:"start"`
	End                googleEventTime `json:"end"`
	Transparency       string          `json:"transparency"`
	ETag               string          `json:"etag"`
	ExtendedProperties *struct {
		Private map[string]string `json:"private"`
		Shared  map[string]string `json:"shared"`
	} `json:"extendedProperties"`
}

func (e *googleEvent) toExternal(calendarID string) dto.ExternalEvent {
	ev := dto.ExternalEvent{
		ID:          e.ID,
		CalendarID:  calendarID,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       parseGoogleTime(e.Start),
		End:         parseGoogleTime(e.End),
		Transparent: e.Transparency == "transparent",
		Status:      e.Status,
		ETag:        e.ETag,
		Extended:    map[string]string{},
		Deleted:     e.Status == "cancelled",
	}
	if e.ExtendedProperties != nil {
		for k, v := range e.ExtendedProperties.Shared {
			ev.Extended[k] = v
		}
		for k, v := range e.ExtendedProperties.Private {
			ev.Extended[k] = v
		}
	}
	return ev
}

func parseGoogleTime(t googleEventTime) dto.EventTime {
	out := dto.EventTime{Date: t.Date, Timezone: t.TimeZone}
	if t.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			out.DateTime = &parsed
		}
	}
	return out
}

func googleEventPayload(task *dto.TaskEvent) map[string]any {
	tz := task.Timezone
	if tz == "" {
		tz = "UTC"
	}
	planID := ""
	if task.PlanID != nil {
		planID = task.PlanID.String()
	}
	return map[string]any{
		"summary":     task.Title,
		"description": task.Description,
		"start": googleEventTime{
			DateTime: task.Start.Format(time.RFC3339),
			TimeZone: tz,
		},
		"end": googleEventTime{
			DateTime: task.End.Format(time.RFC3339),
			TimeZone: tz,
		},
		"transparency": "opaque",
		"extendedProperties": map[string]any{
			"private": map[string]string{
				dto.PropTaskID:         task.TaskID.String(),
				dto.PropTaskScheduleID: task.TaskScheduleID.String(),
				dto.PropPlanID:         planID,
			},
		},
	}
}

var _ CalendarProvider = (*GoogleProvider)(nil)
