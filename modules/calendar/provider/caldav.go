package provider

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/teambition/rrule-go"
)

const (
	appleCalDAVBase = "https://caldav.icloud.com"

	// icsTimeLayout is the UTC DATE-TIME form used in REPORT filters.
	icsTimeLayout = "20060102T150405Z"

	// maxRecurrenceInstances caps RRULE expansion per event per window.
	maxRecurrenceInstances = 500
)

// X- properties carrying DOER identifiers inside pushed VEVENTs.
const (
	icsPropTaskID         = "X-DOER-TASK-ID"
	icsPropTaskScheduleID = "X-DOER-TASK-SCHEDULE-ID"
	icsPropPlanID         = "X-DOER-PLAN-ID"
)

// ErrNoAuthURL is returned by GenerateAuthURL for providers that take
// credentials directly instead of redirecting to an authorization server.
var ErrNoAuthURL = errors.New("provider does not use an authorization redirect; submit credentials to the callback endpoint")

// AppleCalDAVProvider syncs against iCloud (or any CalDAV server) using raw
// WebDAV verbs and iCalendar payloads. There is no OAuth: the user supplies
// their Apple ID and an app-specific password, stored in the same encrypted
// token fields as the OAuth providers' tokens. The password never expires on
// its own, so the stored expiry is far in the future and the refresh path is
// a no-op.
type AppleCalDAVProvider struct {
	baseProvider
	resolver   *ConfigResolver
	httpClient *http.Client

	serverBase string
}

func NewAppleCalDAVProvider(resolver *ConfigResolver, store ConnectionStore, vault *TokenVault) *AppleCalDAVProvider {
	base := resolver.cfg.Calendar.CalDAVBaseURL
	if base == "" {
		base = appleCalDAVBase
	}
	return &AppleCalDAVProvider{
		baseProvider: newBaseProvider(store, vault),
		resolver:     resolver,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		serverBase:   strings.TrimSuffix(base, "/"),
	}
}

func (p *AppleCalDAVProvider) Type() string {
	return dto.ProviderApple
}

// ValidateConfig passes as long as a server base is known. Apple needs no
// registered client id or secret.
func (p *AppleCalDAVProvider) ValidateConfig() error {
	if p.serverBase == "" {
		return &ConfigurationError{Message: "CalDAV server base URL is not configured"}
	}
	return nil
}

func (p *AppleCalDAVProvider) GenerateAuthURL(string) (string, error) {
	return "", ErrNoAuthURL
}

// ExchangeCodeForTokens treats code as "appleID:appSpecificPassword" and
// verifies the pair by performing principal discovery against the server.
func (p *AppleCalDAVProvider) ExchangeCodeForTokens(ctx context.Context, code string, _ string) (*dto.Tokens, error) {
	appleID, password, ok := splitAppleCredentials(code)
	if !ok {
		return nil, &OAuthExchangeError{
			Provider: dto.ProviderApple,
			Message:  "credentials must be supplied as appleId:appSpecificPassword",
		}
	}

	if _, err := p.discoverCalendarHome(ctx, appleID, password); err != nil {
		return nil, &OAuthExchangeError{
			Provider: dto.ProviderApple,
			Message:  fmt.Sprintf("credential verification failed: %v", err),
		}
	}

	credential := appleID + ":" + password
	return &dto.Tokens{
		AccessToken:  credential,
		RefreshToken: credential,
		ExpiresAt:    time.Now().AddDate(100, 0, 0),
	}, nil
}

// RefreshAccessToken re-stamps the stored credential's expiry. App-specific
// passwords are revoked by the user, never refreshed.
func (p *AppleCalDAVProvider) RefreshAccessToken(ctx context.Context, connectionID uuid.UUID) (*dto.Tokens, error) {
	return p.forceRefresh(ctx, connectionID, p.refreshCredential)
}

func (p *AppleCalDAVProvider) refreshCredential(_ context.Context, credential string) (*dto.Tokens, error) {
	return &dto.Tokens{
		AccessToken:  credential,
		RefreshToken: credential,
		ExpiresAt:    time.Now().AddDate(100, 0, 0),
	}, nil
}

func (p *AppleCalDAVProvider) credentials(ctx context.Context, connectionID uuid.UUID) (appleID, password string, err error) {
	_, token, err := p.accessToken(ctx, connectionID, p.refreshCredential)
	if err != nil {
		return "", "", err
	}
	appleID, password, ok := splitAppleCredentials(token)
	if !ok {
		return "", "", &MalformedTokenError{Reason: "stored credential is not appleId:password shaped"}
	}
	return appleID, password, nil
}

func splitAppleCredentials(s string) (string, string, bool) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func (p *AppleCalDAVProvider) FetchCalendars(ctx context.Context, connectionID uuid.UUID) ([]dto.Calendar, error) {
	appleID, password, err := p.credentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	home, err := p.discoverCalendarHome(ctx, appleID, password)
	if err != nil {
		return nil, err
	}
	return p.listCalendars(ctx, appleID, password, home)
}

// discoverCalendarHome walks the standard two-hop discovery: PROPFIND the
// well-known path for the current-user-principal, then PROPFIND the principal
// for its calendar-home-set.
func (p *AppleCalDAVProvider) discoverCalendarHome(ctx context.Context, appleID, password string) (string, error) {
	const principalQuery = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop><d:current-user-principal/></d:prop>
</d:propfind>`

	body, err := p.davRequest(ctx, "PROPFIND", p.serverBase+"/.well-known/caldav", appleID, password, principalQuery, map[string]string{"Depth": "0"})
	if err != nil {
		// Some servers reject the well-known path; retry at the root.
		body, err = p.davRequest(ctx, "PROPFIND", p.serverBase+"/", appleID, password, principalQuery, map[string]string{"Depth": "0"})
		if err != nil {
			return "", err
		}
	}

	principal := extractHref(body, "current-user-principal")
	if principal == "" {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "principal discovery", Body: "response carried no current-user-principal href"}
	}

	const homeQuery = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><c:calendar-home-set/></d:prop>
</d:propfind>`

	body, err = p.davRequest(ctx, "PROPFIND", p.absoluteURL(principal), appleID, password, homeQuery, map[string]string{"Depth": "0"})
	if err != nil {
		return "", err
	}

	home := extractHref(body, "calendar-home-set")
	if home == "" {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "calendar home discovery", Body: "response carried no calendar-home-set href"}
	}
	return home, nil
}

func (p *AppleCalDAVProvider) listCalendars(ctx context.Context, appleID, password, home string) ([]dto.Calendar, error) {
	const query = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <c:supported-calendar-component-set/>
  </d:prop>
</d:propfind>`

	body, err := p.davRequest(ctx, "PROPFIND", p.absoluteURL(home), appleID, password, query, map[string]string{"Depth": "1"})
	if err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, &TransportError{Provider: dto.ProviderApple, Operation: "calendar list decode", Err: err}
	}

	var calendars []dto.Calendar
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if !strings.Contains(ps.Status, "200") {
				continue
			}
			if !ps.Prop.IsCalendar() || !ps.Prop.SupportsVEvent() {
				continue
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = strings.Trim(resp.Href, "/")
			}
			calendars = append(calendars, dto.Calendar{ID: resp.Href, Name: name})
		}
	}
	return calendars, nil
}

func (p *AppleCalDAVProvider) FetchEvents(ctx context.Context, connectionID uuid.UUID, calendarIDs []string, syncToken string, timeMin, timeMax time.Time) (*dto.FetchResult, error) {
	appleID, password, err := p.credentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	cursors := decodeCursor(syncToken)
	nextCursors := map[string]string{}
	result := &dto.FetchResult{}

	for _, calendarHref := range calendarIDs {
		events, nextToken, fullSync, err := p.fetchCalendar(ctx, appleID, password, calendarHref, cursors[calendarHref], timeMin, timeMax)
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, events...)
		if nextToken != "" {
			nextCursors[calendarHref] = nextToken
		}
		if fullSync {
			result.IsFullSync = true
		}
	}

	result.NextSyncToken = encodeCursor(nextCursors)
	return result, nil
}

func (p *AppleCalDAVProvider) fetchCalendar(ctx context.Context, appleID, password, calendarHref, token string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, bool, error) {
	if token != "" {
		events, nextToken, err := p.syncCollection(ctx, appleID, password, calendarHref, token, timeMin, timeMax)
		if err == nil {
			return events, nextToken, false, nil
		}
		var invalid *syncTokenInvalidError
		if !errors.As(err, &invalid) {
			return nil, "", false, err
		}
		logger.Info("AppleCalDAVProvider:FetchEvents:SyncTokenInvalidated",
			"calendar", calendarHref, "action", "full sync fallback")
	}

	events, nextToken, err := p.timeRangeQuery(ctx, appleID, password, calendarHref, timeMin, timeMax)
	if err != nil {
		return nil, "", false, err
	}
	return events, nextToken, true, nil
}

// syncCollection asks the server for everything changed since token. Changed
// hrefs still need a multiget for their iCalendar bodies; 404 statuses in the
// sync response are tombstones.
func (p *AppleCalDAVProvider) syncCollection(ctx context.Context, appleID, password, calendarHref, token string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, error) {
	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<d:sync-collection xmlns:d="DAV:">
  <d:sync-token>%s</d:sync-token>
  <d:sync-level>1</d:sync-level>
  <d:prop><d:getetag/></d:prop>
</d:sync-collection>`, xmlEscape(token))

	body, err := p.davRequest(ctx, "REPORT", p.absoluteURL(calendarHref), appleID, password, query, map[string]string{"Depth": "1"})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && isCalDAVSyncTokenFailure(te) {
			return nil, "", &syncTokenInvalidError{Provider: dto.ProviderApple, CalendarID: calendarHref}
		}
		return nil, "", err
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, "", &TransportError{Provider: dto.ProviderApple, Operation: "sync-collection decode", Err: err}
	}

	var events []dto.ExternalEvent
	var changedHrefs []string
	for _, resp := range ms.Responses {
		if strings.Contains(resp.Status, "404") {
			events = append(events, dto.ExternalEvent{
				ID:         resp.Href,
				CalendarID: calendarHref,
				Deleted:    true,
			})
			continue
		}
		changedHrefs = append(changedHrefs, resp.Href)
	}

	if len(changedHrefs) > 0 {
		fetched, err := p.multiget(ctx, appleID, password, calendarHref, changedHrefs, timeMin, timeMax)
		if err != nil {
			return nil, "", err
		}
		events = append(events, fetched...)
	}

	return events, ms.SyncToken, nil
}

// isCalDAVSyncTokenFailure recognizes an expired sync token: servers answer
// 403/409/412 with a DAV:valid-sync-token precondition element. Anything
// else, a plain 403 included, is a real provider error and propagates.
func isCalDAVSyncTokenFailure(te *TransportError) bool {
	switch te.StatusCode {
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed:
		return strings.Contains(te.Body, "valid-sync-token")
	}
	return false
}

func (p *AppleCalDAVProvider) timeRangeQuery(ctx context.Context, appleID, password, calendarHref string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, string, error) {
	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/><c:calendar-data/></d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`, timeMin.UTC().Format(icsTimeLayout), timeMax.UTC().Format(icsTimeLayout))

	body, err := p.davRequest(ctx, "REPORT", p.absoluteURL(calendarHref), appleID, password, query, map[string]string{"Depth": "1"})
	if err != nil {
		return nil, "", err
	}

	events, err := p.parseCalendarData(body, calendarHref, timeMin, timeMax)
	if err != nil {
		return nil, "", err
	}

	nextToken, err := p.currentSyncToken(ctx, appleID, password, calendarHref)
	if err != nil {
		// A missing token only costs the next run a full sync.
		logger.Warn("AppleCalDAVProvider:FetchEvents:SyncTokenUnavailable", "calendar", calendarHref, "error", err)
		nextToken = ""
	}
	return events, nextToken, nil
}

// currentSyncToken reads the collection's DAV:sync-token property so a full
// time-range fetch still seeds incremental syncs.
func (p *AppleCalDAVProvider) currentSyncToken(ctx context.Context, appleID, password, calendarHref string) (string, error) {
	const query = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop><d:sync-token/></d:prop>
</d:propfind>`

	body, err := p.davRequest(ctx, "PROPFIND", p.absoluteURL(calendarHref), appleID, password, query, map[string]string{"Depth": "0"})
	if err != nil {
		return "", err
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return "", err
	}
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if ps.Prop.SyncToken != "" {
				return ps.Prop.SyncToken, nil
			}
		}
	}
	return "", nil
}

func (p *AppleCalDAVProvider) multiget(ctx context.Context, appleID, password, calendarHref string, hrefs []string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, error) {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-multiget xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/><c:calendar-data/></d:prop>
`)
	for _, href := range hrefs {
		sb.WriteString("  <d:href>")
		sb.WriteString(xmlEscape(href))
		sb.WriteString("</d:href>\n")
	}
	sb.WriteString("</c:calendar-multiget>")

	body, err := p.davRequest(ctx, "REPORT", p.absoluteURL(calendarHref), appleID, password, sb.String(), map[string]string{"Depth": "1"})
	if err != nil {
		return nil, err
	}
	return p.parseCalendarData(body, calendarHref, timeMin, timeMax)
}

// parseCalendarData turns a multistatus of calendar-data blobs into external
// events, expanding recurring VEVENTs into concrete instances inside the
// window.
func (p *AppleCalDAVProvider) parseCalendarData(body []byte, calendarHref string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, &TransportError{Provider: dto.ProviderApple, Operation: "calendar-data decode", Err: err}
	}

	var events []dto.ExternalEvent
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if !strings.Contains(ps.Status, "200") || ps.Prop.CalendarData == "" {
				continue
			}
			parsed, err := p.parseICSObject(resp.Href, calendarHref, ps.Prop.GetETag, ps.Prop.CalendarData, timeMin, timeMax)
			if err != nil {
				logger.Warn("AppleCalDAVProvider:FetchEvents:ObjectParseFailed", "href", resp.Href, "error", err)
				continue
			}
			events = append(events, parsed...)
		}
	}
	return events, nil
}

func (p *AppleCalDAVProvider) parseICSObject(href, calendarHref, etag, data string, timeMin, timeMax time.Time) ([]dto.ExternalEvent, error) {
	cal, err := ical.ParseCalendar(strings.NewReader(data))
	if err != nil {
		return nil, err
	}

	var events []dto.ExternalEvent
	for _, ve := range cal.Events() {
		base := p.externalFromVEvent(ve, href, calendarHref, etag)

		rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
		if rruleProp == nil || rruleProp.Value == "" {
			events = append(events, base)
			continue
		}

		instances, err := expandRecurrence(base, rruleProp.Value, exdatesOf(ve), timeMin, timeMax)
		if err != nil {
			logger.Warn("AppleCalDAVProvider:FetchEvents:RRuleExpandFailed", "href", href, "error", err)
			events = append(events, base)
			continue
		}
		// Clear previously stored instances before writing the current set,
		// otherwise a shifted DTSTART or a new EXDATE strands stale
		// occurrences under ids no tombstone will ever name.
		events = append(events, dto.ExternalEvent{ID: base.ID, CalendarID: calendarHref, Deleted: true})
		events = append(events, instances...)
	}
	return events, nil
}

func (p *AppleCalDAVProvider) externalFromVEvent(ve *ical.VEvent, href, calendarHref, etag string) dto.ExternalEvent {
	ev := dto.ExternalEvent{
		ID:         href,
		CalendarID: calendarHref,
		ETag:       etag,
		Extended:   map[string]string{},
	}

	if prop := ve.GetProperty(ical.ComponentPropertySummary); prop != nil {
		ev.Summary = prop.Value
	}
	if prop := ve.GetProperty(ical.ComponentPropertyDescription); prop != nil {
		ev.Description = prop.Value
	}
	if prop := ve.GetProperty(ical.ComponentPropertyStatus); prop != nil {
		ev.Status = strings.ToLower(prop.Value)
		ev.Deleted = strings.EqualFold(prop.Value, "CANCELLED")
	}
	if prop := ve.GetProperty(ical.ComponentPropertyTransp); prop != nil {
		ev.Transparent = strings.EqualFold(prop.Value, "TRANSPARENT")
	}

	allDay := false
	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if vals, ok := dtStart.ICalParameters["VALUE"]; ok && len(vals) > 0 && strings.EqualFold(vals[0], "DATE") {
			allDay = true
		}
		if !strings.Contains(dtStart.Value, "T") {
			allDay = true
		}
	}

	if allDay {
		if start, err := ve.GetAllDayStartAt(); err == nil {
			ev.Start = dto.EventTime{Date: start.Format("2006-01-02")}
		}
		if end, err := ve.GetAllDayEndAt(); err == nil {
			ev.End = dto.EventTime{Date: end.Format("2006-01-02")}
		} else if !ev.Start.IsZero() {
			// DTEND is optional for all-day events; default one day.
			if start, err := ve.GetAllDayStartAt(); err == nil {
				ev.End = dto.EventTime{Date: start.AddDate(0, 0, 1).Format("2006-01-02")}
			}
		}
	} else {
		if start, err := ve.GetStartAt(); err == nil {
			utc := start.UTC()
			ev.Start = dto.EventTime{DateTime: &utc, Timezone: tzidOf(ve, ical.ComponentPropertyDtStart)}
		}
		if end, err := ve.GetEndAt(); err == nil {
			utc := end.UTC()
			ev.End = dto.EventTime{DateTime: &utc, Timezone: tzidOf(ve, ical.ComponentPropertyDtEnd)}
		}
	}

	for name, key := range map[string]string{
		icsPropTaskID:         dto.PropTaskID,
		icsPropTaskScheduleID: dto.PropTaskScheduleID,
		icsPropPlanID:         dto.PropPlanID,
	} {
		if prop := ve.GetProperty(ical.ComponentProperty(name)); prop != nil && prop.Value != "" {
			ev.Extended[key] = prop.Value
		}
	}
	return ev
}

func tzidOf(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			return tzs[0]
		}
	}
	return ""
}

func exdatesOf(ve *ical.VEvent) []time.Time {
	var out []time.Time
	for _, prop := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(prop.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTimestamp(part); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func parseICSTimestamp(v string) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	default:
		return time.ParseInLocation("20060102", v, time.UTC)
	}
}

// expandRecurrence replaces a recurring base event with its concrete
// instances inside [timeMin, timeMax). Instance IDs get a start-time suffix
// so each occurrence upserts under its own external id.
func expandRecurrence(base dto.ExternalEvent, rawRRule string, exdates []time.Time, timeMin, timeMax time.Time) ([]dto.ExternalEvent, error) {
	start, startOK := base.Start.Resolve()
	end, endOK := base.End.Resolve()
	if !startOK {
		return nil, errors.New("recurring event has no resolvable start")
	}
	duration := time.Hour
	if endOK {
		duration = end.Sub(start)
	}

	r, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex)
	}

	occurrences := set.Between(timeMin, timeMax, true)
	if len(occurrences) > maxRecurrenceInstances {
		occurrences = occurrences[:maxRecurrenceInstances]
	}

	instances := make([]dto.ExternalEvent, 0, len(occurrences))
	for _, occStart := range occurrences {
		inst := base
		occStartUTC := occStart.UTC()
		occEndUTC := occStartUTC.Add(duration)
		inst.ID = fmt.Sprintf("%s#%s", base.ID, occStartUTC.Format(icsTimeLayout))
		inst.Start = dto.EventTime{DateTime: &occStartUTC, Timezone: base.Start.Timezone}
		inst.End = dto.EventTime{DateTime: &occEndUTC, Timezone: base.End.Timezone}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (p *AppleCalDAVProvider) PushTaskToCalendar(ctx context.Context, connectionID uuid.UUID, calendarID string, task *dto.TaskEvent) (*dto.PushResult, error) {
	appleID, password, err := p.credentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	objectHref := task.ExternalEventID
	created := objectHref == ""
	if created {
		objectHref = strings.TrimSuffix(calendarID, "/") + "/" +
			fmt.Sprintf("doer-%s-%s.ics", slug.Make(task.Title), task.TaskScheduleID.String())
	}

	payload := buildVEventPayload(task, objectHref)

	etag, err := p.putObject(ctx, appleID, password, objectHref, payload, "")
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) || te.StatusCode != http.StatusPreconditionFailed {
			return nil, err
		}
		// The object already exists. Fetch its ETag and overwrite with
		// If-Match instead of If-None-Match.
		currentETag, getErr := p.objectETag(ctx, appleID, password, objectHref)
		if getErr != nil {
			return nil, getErr
		}
		etag, err = p.putObject(ctx, appleID, password, objectHref, payload, currentETag)
		if err != nil {
			return nil, err
		}
		created = false
	}

	return &dto.PushResult{
		ExternalEventID: objectHref,
		ETag:            etag,
		Created:         created,
	}, nil
}

func (p *AppleCalDAVProvider) putObject(ctx context.Context, appleID, password, objectHref, payload, ifMatch string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.absoluteURL(objectHref), strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(appleID, password)
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	} else {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "PUT event", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "PUT event", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Header.Get("ETag"), nil
}

func (p *AppleCalDAVProvider) objectETag(ctx context.Context, appleID, password, objectHref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.absoluteURL(objectHref), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(appleID, password)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "HEAD event", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{Provider: dto.ProviderApple, Operation: "HEAD event", StatusCode: resp.StatusCode}
	}
	return resp.Header.Get("ETag"), nil
}

func (p *AppleCalDAVProvider) DeleteTaskFromCalendar(ctx context.Context, connectionID uuid.UUID, _ string, externalEventID string) (bool, error) {
	appleID, password, err := p.credentials(ctx, connectionID)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.absoluteURL(externalEventID), nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(appleID, password)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Provider: dto.ProviderApple, Operation: "DELETE event", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return true, nil
	default:
		return false, &TransportError{Provider: dto.ProviderApple, Operation: "DELETE event", StatusCode: resp.StatusCode}
	}
}

func buildVEventPayload(task *dto.TaskEvent, objectHref string) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//DOER//Calendar Sync//EN")

	uid := task.TaskScheduleID.String() + "@doer.do"
	ve := cal.AddEvent(uid)
	ve.SetDtStampTime(time.Now().UTC())
	ve.SetStartAt(task.Start.UTC())
	ve.SetEndAt(task.End.UTC())
	ve.SetSummary(task.Title)
	if task.Description != "" {
		ve.SetDescription(task.Description)
	}
	ve.SetTimeTransparency(ical.TransparencyOpaque)

	ve.SetProperty(ical.ComponentProperty(icsPropTaskID), task.TaskID.String())
	ve.SetProperty(ical.ComponentProperty(icsPropTaskScheduleID), task.TaskScheduleID.String())
	if task.PlanID != nil {
		ve.SetProperty(ical.ComponentProperty(icsPropPlanID), task.PlanID.String())
	}

	return cal.Serialize()
}

// ========== transport helpers ==========

func (p *AppleCalDAVProvider) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return p.serverBase + href
}

func (p *AppleCalDAVProvider) davRequest(ctx context.Context, method, endpoint, appleID, password, body string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(appleID, password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: dto.ProviderApple, Operation: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Provider: dto.ProviderApple, Operation: method, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// extractHref pulls the first <d:href> nested under the named property out of
// a multistatus body without binding to a namespace prefix.
func extractHref(body []byte, property string) string {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	inProperty := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == property {
				inProperty = true
			} else if inProperty && t.Name.Local == "href" {
				var href string
				if err := decoder.DecodeElement(&href, &t); err != nil {
					return ""
				}
				return strings.TrimSpace(href)
			}
		case xml.EndElement:
			if t.Name.Local == property {
				inProperty = false
			}
		}
	}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

// ========== multistatus wire types ==========

type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	SyncToken string        `xml:"sync-token"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Status    string     `xml:"status"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  string       `xml:"displayname"`
	GetETag      string       `xml:"getetag"`
	CalendarData string       `xml:"calendar-data"`
	SyncToken    string       `xml:"sync-token"`
	ResourceType resourceType `xml:"resourcetype"`
	Components   compSet      `xml:"supported-calendar-component-set"`
}

func (p davProp) IsCalendar() bool {
	return p.ResourceType.Calendar != nil
}

func (p davProp) SupportsVEvent() bool {
	if len(p.Components.Comps) == 0 {
		return true
	}
	for _, c := range p.Components.Comps {
		if strings.EqualFold(c.Name, "VEVENT") {
			return true
		}
	}
	return false
}

type resourceType struct {
	Calendar *struct{} `xml:"calendar"`
}

type compSet struct {
	Comps []comp `xml:"comp"`
}

type comp struct {
	Name string `xml:"name,attr"`
}

var _ CalendarProvider = (*AppleCalDAVProvider)(nil)
