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
	"golang.org/x/oauth2/microsoft"
)

const graphAPIBase = "https://graph.microsoft.com/v1.0"

var outlookScopes = []string{
	"offline_access",
	"Calendars.ReadWrite",
	"User.Read",
}

// extendedPropNamespace seeds the deterministic GUIDs Graph requires for
// single-value extended properties. It must never change: the GUID is part of
// the property identity on every event already written.
var extendedPropNamespace = uuid.MustParse("8f6a2c1e-0b3d-4f5a-9c7e-d1e2f3a4b5c6")

// graphPropertyID renders a Graph extended-property id for one DOER marker.
// The GUID is derived from the marker name so every deployment addresses the
// same property.
func graphPropertyID(name string) string {
	guid := uuid.NewSHA1(extendedPropNamespace, []byte(name))
	return fmt.Sprintf("String {%s} Name %s", guid.String(), name)
}

// OutlookProvider syncs through Microsoft Graph. Incremental sync rides the
// calendarView delta endpoint; the deltaLink doubles as the per-calendar
// cursor. DOER identifiers are stored as singleValueExtendedProperties.
type OutlookProvider struct {
	baseProvider
	clientCfg  config.OAuthClientConfig
	resolver   *ConfigResolver
	httpClient *http.Client
	endpoint   oauth2.Endpoint

	apiBase string
}

func NewOutlookProvider(resolver *ConfigResolver, store ConnectionStore, vault *TokenVault) *OutlookProvider {
	cc, _ := resolver.cfg.OAuthClient(dto.ProviderOutlook)
	return &OutlookProvider{
		baseProvider: newBaseProvider(store, vault),
		clientCfg:    cc,
		resolver:     resolver,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		endpoint:     microsoft.AzureADEndpoint("common"),
		apiBase:      graphAPIBase,
	}
}

func (p *OutlookProvider) Type() string {
	return dto.ProviderOutlook
}

func (p *OutlookProvider) ValidateConfig() error {
	_, err := p.resolver.GetConfig(dto.ProviderOutlook)
	return err
}

func (p *OutlookProvider) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientCfg.ClientID,
		ClientSecret: p.clientCfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       outlookScopes,
		Endpoint:     p.endpoint,
	}
}

func (p *OutlookProvider) GenerateAuthURL(state string) (string, error) {
	if err := p.ValidateConfig(); err != nil {
		return "", err
	}
	redirectURI := p.resolver.GetRedirectURI(dto.ProviderOutlook, "")
	return p.oauthConfig(redirectURI).AuthCodeURL(state), nil
}

func (p *OutlookProvider) ExchangeCodeForTokens(ctx context.Context, code string, redirectURI string) (*dto.Tokens, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, &OAuthExchangeError{
				Provider:   dto.ProviderOutlook,
				StatusCode: status,
				Body:       string(re.Body),
				Message:    "provider rejected authorization code",
			}
		}
		return nil, &OAuthExchangeError{Provider: dto.ProviderOutlook, Message: err.Error()}
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, &OAuthExchangeError{
			Provider: dto.ProviderOutlook,
			Message:  "provider response missing access or refresh token",
		}
	}

	return &dto.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

func (p *OutlookProvider) refreshTokens(ctx context.Context, refreshToken string) (*dto.Tokens, error) {
	data := url.Values{}
	data.Set("client_id", p.clientCfg.ClientID)
	data.Set("client_secret", p.clientCfg.ClientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")
	data.Set("scope", strings.Join(outlookScopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &OAuthRefreshError{Provider: dto.ProviderOutlook, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "token refresh decode", Err: err}
	}
	if result.AccessToken == "" {
		return nil, &OAuthRefreshError{Provider: dto.ProviderOutlook, StatusCode: resp.StatusCode, Body: string(body)}
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

func (p *OutlookProvider) RefreshAccessToken(ctx context.Context, connectionID uuid.UUID) (*dto.Tokens, error) {
	return p.forceRefresh(ctx, connectionID, p.refreshTokens)
}

func (p *OutlookProvider) FetchCalendars(ctx context.Context, connectionID uuid.UUID) ([]dto.Calendar, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	var calendars []dto.Calendar
	next := p.apiBase + "/me/calendars?$top=50"
	for next != "" {
		body, _, err := p.apiGet(ctx, next, accessToken)
		if err != nil {
			return nil, err
		}

		var result struct {
			Value []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				IsDefault bool   `json:"isDefaultCalendar"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "calendar list decode", Err: err}
		}

		for _, item := range result.Value {
			calendars = append(calendars, dto.Calendar{ID: item.ID, Name: item.Name, Primary: item.IsDefault})
		}
		next = result.NextLink
	}
	return calendars, nil
}

func (p *OutlookProvider) FetchEvents(ctx context.Context, connectionID uuid.UUID, calendarIDs []string, syncToken string, timeMin, timeMax time.Time) (*dto.FetchResult, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	cursors := decodeCursor(syncToken)
	nextCursors := map[string]string{}
	result := &dto.FetchResult{}

	for _, calendarID := range calendarIDs {
		events, deltaLink, fullSync, err := p.fetchCalendarDelta(ctx, accessToken, calendarID, cursors[calendarID], timeMin, timeMax)
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, events...)
		if deltaLink != "" {
			nextCursors[calendarID] = deltaLink
		}
		if fullSync {
			result.IsFullSync = true
		}
	}

	result.NextSyncToken = encodeCursor(nextCursors)
	return result, nil
}

func (p *OutlookProvider) fetchCalendarDelta(ctx context.Context, accessToken, calendarID, deltaLink string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, bool, error) {
	fullSync := deltaLink == ""

	events, next, err := p.drainDelta(ctx, accessToken, calendarID, deltaLink, timeMin, timeMax)
	if err != nil {
		var invalid *syncTokenInvalidError
		if errors.As(err, &invalid) {
			logger.Info("OutlookProvider:FetchEvents:DeltaLinkInvalidated",
				"calendar_id", calendarID, "action", "full sync fallback")
			events, next, err = p.drainDelta(ctx, accessToken, calendarID, "", timeMin, timeMax)
			fullSync = true
		}
		if err != nil {
			return nil, "", false, err
		}
	}
	return events, next, fullSync, nil
}

// drainDelta follows @odata.nextLink pages until Graph hands back the
// @odata.deltaLink that closes the round.
func (p *OutlookProvider) drainDelta(ctx context.Context, accessToken, calendarID, deltaLink string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, error) {
	endpoint := deltaLink
	if endpoint == "" {
		params := url.Values{}
		params.Set("startDateTime", timeMin.UTC().Format(time.RFC3339))
		params.Set("endDateTime", timeMax.UTC().Format(time.RFC3339))
		endpoint = fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
			p.apiBase, url.PathEscape(calendarID), params.Encode())
	}

	var events []dto.ExternalEvent
	for {
		body, status, err := p.apiGetDelta(ctx, endpoint, accessToken)
		if err != nil {
			if status == http.StatusGone {
				return nil, "", &syncTokenInvalidError{Provider: dto.ProviderOutlook, CalendarID: calendarID}
			}
			return nil, "", err
		}

		var page struct {
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", &TransportError{Provider: dto.ProviderOutlook, Operation: "delta decode", Err: err}
		}

		for i := range page.Value {
			events = append(events, page.Value[i].toExternal(calendarID))
		}

		if page.DeltaLink != "" {
			return events, page.DeltaLink, nil
		}
		if page.NextLink == "" {
			return events, "", nil
		}
		endpoint = page.NextLink
	}
}

func (p *OutlookProvider) PushTaskToCalendar(ctx context.Context, connectionID uuid.UUID, calendarID string, task *dto.TaskEvent) (*dto.PushResult, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return nil, err
	}

	payload := graphEventPayload(task)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	method := http.MethodPost
	endpoint := fmt.Sprintf("%s/me/calendars/%s/events", p.apiBase, url.PathEscape(calendarID))
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
		return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "push event", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if task.ExternalEventID != "" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		retry := *task
		retry.ExternalEventID = ""
		return p.PushTaskToCalendar(ctx, connectionID, calendarID, &retry)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "push event", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, &TransportError{Provider: dto.ProviderOutlook, Operation: "push event decode", Err: err}
	}

	return &dto.PushResult{
		ExternalEventID: created.ID,
		Created:         task.ExternalEventID == "",
	}, nil
}

func (p *OutlookProvider) DeleteTaskFromCalendar(ctx context.Context, connectionID uuid.UUID, calendarID, externalEventID string) (bool, error) {
	_, accessToken, err := p.accessToken(ctx, connectionID, p.refreshTokens)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/me/events/%s", p.apiBase, url.PathEscape(externalEventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Provider: dto.ProviderOutlook, Operation: "delete event", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return true, nil
	default:
		return false, &TransportError{Provider: dto.ProviderOutlook, Operation: "delete event", StatusCode: resp.StatusCode}
	}
}

func (p *OutlookProvider) apiGet(ctx context.Context, endpoint, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Provider: dto.ProviderOutlook, Operation: "GET " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, &TransportError{Provider: dto.ProviderOutlook, Operation: "GET", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}

// apiGetDelta is apiGet plus the $expand for DOER extended properties, which
// must be requested explicitly or Graph omits them.
func (p *OutlookProvider) apiGetDelta(ctx context.Context, endpoint, accessToken string) ([]byte, int, error) {
	if !strings.Contains(endpoint, "$expand") && !strings.Contains(endpoint, "%24expand") {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		filters := make([]string, 0, 3)
		for _, name := range graphPropNames {
			filters = append(filters, fmt.Sprintf("id eq '%s'", graphPropertyID(name)))
		}
		expand := fmt.Sprintf("singleValueExtendedProperties($filter=%s)", strings.Join(filters, " or "))
		endpoint += sep + "$expand=" + url.QueryEscape(expand)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", "odata.maxpagesize=100")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Provider: dto.ProviderOutlook, Operation: "GET delta", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, &TransportError{Provider: dto.ProviderOutlook, Operation: "GET delta", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}

// ========== wire types ==========

var graphPropNames = []string{dto.PropTaskID, dto.PropTaskScheduleID, dto.PropPlanID}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    *struct {
		Content string `json:"content"`
	} `json:"body"`
	Start     *graphDateTime `json:"start"`
	End       *graphDateTime `json:"end"`
	IsAllDay  bool           `json:"isAllDay"`
	ShowAs    string         `json:"showAs"`
	ChangeKey string         `json:"changeKey"`
	Removed   *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
	ExtendedProps []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"singleValueExtendedProperties"`
}

func (e *graphEvent) toExternal(calendarID string) dto.ExternalEvent {
	ev := dto.ExternalEvent{
		ID:          e.ID,
		CalendarID:  calendarID,
		Summary:     e.Subject,
		Transparent: e.ShowAs == "free",
		Status:      e.ShowAs,
		ETag:        e.ChangeKey,
		Extended:    map[string]string{},
		Deleted:     e.Removed != nil,
	}
	if e.Body != nil {
		ev.Description = e.Body.Content
	}
	if e.IsAllDay {
		if e.Start != nil && len(e.Start.DateTime) >= 10 {
			ev.Start = dto.EventTime{Date: e.Start.DateTime[:10]}
		}
		if e.End != nil && len(e.End.DateTime) >= 10 {
			ev.End = dto.EventTime{Date: e.End.DateTime[:10]}
		}
	} else {
		ev.Start = parseGraphTime(e.Start)
		ev.End = parseGraphTime(e.End)
	}
	for _, prop := range e.ExtendedProps {
		for _, name := range graphPropNames {
			if prop.ID == graphPropertyID(name) || strings.HasSuffix(prop.ID, " Name "+name) {
				ev.Extended[name] = prop.Value
			}
		}
	}
	return ev
}

// parseGraphTime handles Graph's fractional-second local timestamps, e.g.
// "2026-03-01T09:00:00.0000000" paired with an IANA or Windows zone name.
func parseGraphTime(t *graphDateTime) dto.EventTime {
	if t == nil {
		return dto.EventTime{}
	}
	out := dto.EventTime{Timezone: t.TimeZone}
	raw := t.DateTime
	if idx := strings.Index(raw, "."); idx != -1 {
		raw = raw[:idx]
	}
	loc := time.UTC
	if t.TimeZone != "" && t.TimeZone != "UTC" {
		if parsed, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = parsed
		}
	}
	if parsed, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc); err == nil {
		utc := parsed.UTC()
		out.DateTime = &utc
	}
	return out
}

func graphEventPayload(task *dto.TaskEvent) map[string]any {
	tz := task.Timezone
	loc, err := time.LoadLocation(tz)
	if tz == "" || err != nil {
		tz = "UTC"
		loc = time.UTC
	}
	planID := ""
	if task.PlanID != nil {
		planID = task.PlanID.String()
	}

	props := []map[string]string{
		{"id": graphPropertyID(dto.PropTaskID), "value": task.TaskID.String()},
		{"id": graphPropertyID(dto.PropTaskScheduleID), "value": task.TaskScheduleID.String()},
	}
	if planID != "" {
		props = append(props, map[string]string{"id": graphPropertyID(dto.PropPlanID), "value": planID})
	}

	return map[string]any{
		"subject": task.Title,
		"body": map[string]string{
			"contentType": "text",
			"content":     task.Description,
		},
		"start": graphDateTime{
			DateTime: task.Start.In(loc).Format("2006-01-02T15:04:05"),
			TimeZone: tz,
		},
		"end": graphDateTime{
			DateTime: task.End.In(loc).Format("2006-01-02T15:04:05"),
			TimeZone: tz,
		},
		"showAs":                        "busy",
		"singleValueExtendedProperties": props,
	}
}

var _ CalendarProvider = (*OutlookProvider)(nil)
