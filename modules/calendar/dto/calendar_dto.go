package dto

import (
	"time"

	"github.com/google/uuid"
)

// Provider tags. The closed set of supported calendar providers.
const (
	ProviderGoogle  = "google"
	ProviderOutlook = "outlook"
	ProviderApple   = "apple"
)

// Extended-property keys used to mark events created by this app. Each
// adapter encodes these through its provider's custom-metadata mechanism.
const (
	PropTaskID         = "doerTaskId"
	PropTaskScheduleID = "doerTaskScheduleId"
	PropPlanID         = "doerPlanId"
)

// Tokens is the transient, in-memory OAuth token set. Never persisted without
// passing through the token vault first.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Calendar is one calendar listed by a provider.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// EventTime is either a precise instant or a date-only all-day marker.
type EventTime struct {
	DateTime *time.Time
	Date     string // YYYY-MM-DD for all-day events
	Timezone string
}

// IsZero reports whether neither a dateTime nor a date is present.
func (t EventTime) IsZero() bool {
	return t.DateTime == nil && t.Date == ""
}

// Resolve returns the instant the EventTime denotes. Date-only values
// resolve to midnight UTC; providers hand exclusive end dates for all-day
// events, so no further shifting is needed.
func (t EventTime) Resolve() (time.Time, bool) {
	if t.DateTime != nil {
		return t.DateTime.UTC(), true
	}
	if t.Date == "" {
		return time.Time{}, false
	}
	d, err := time.Parse("2006-01-02", t.Date)
	if err != nil {
		return time.Time{}, false
	}
	return d.UTC(), true
}

// ExternalEvent is the provider-neutral event shape every adapter normalizes
// into before busy-slot or conflict logic sees it.
type ExternalEvent struct {
	ID          string
	CalendarID  string
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
	// Transparent means the event does not block time (Google "transparent",
	// Graph showAs free, iCalendar TRANSP:TRANSPARENT).
	Transparent bool
	Status      string
	ETag        string
	// Extended carries provider custom properties, including DOER markers.
	Extended map[string]string
	// Deleted marks a tombstone from an incremental sync.
	Deleted bool
}

// CreatedByDoer reports whether the event carries this app's task marker.
func (e *ExternalEvent) CreatedByDoer() bool {
	return e.Extended[PropTaskID] != ""
}

// FetchResult is the outcome of one fetchEvents call across the selected
// calendars of a connection.
type FetchResult struct {
	Events        []ExternalEvent
	NextSyncToken string
	// IsFullSync is true on an initial sync or after a cursor-invalidation
	// fallback; it is the only way a caller can tell the two apart.
	IsFullSync bool
}

// TaskEvent is one scheduled task occurrence to mirror externally.
type TaskEvent struct {
	TaskID         uuid.UUID
	TaskScheduleID uuid.UUID
	PlanID         *uuid.UUID
	Title          string
	Description    string
	Start          time.Time
	End            time.Time
	Timezone       string
	// ExternalEventID is set when a link to an already-pushed event exists,
	// making the push an update instead of a create.
	ExternalEventID string
}

// PushResult reports the external event a push produced or updated.
type PushResult struct {
	ExternalEventID string
	ETag            string
	Created         bool
}

// BusySlotMetadata annotates a busy slot for the scheduling/UI layer.
type BusySlotMetadata struct {
	Summary       string `json:"summary"`
	CreatedByDoer bool   `json:"created_by_doer"`
	Provider      string `json:"provider,omitempty"`
	CalendarID    string `json:"calendar_id,omitempty"`
}

// BusySlot is a derived, read-only unavailability window.
type BusySlot struct {
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Source   string           `json:"source"`
	Metadata BusySlotMetadata `json:"metadata"`
}

// BusySlotSource is the only source tag currently emitted.
const BusySlotSource = "calendar_event"

// ========== Connection DTOs ==========

type CalendarConnectionResponse struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	AccountEmail string     `json:"account_email"`
	CalendarIDs  []string   `json:"calendar_ids"`
	AutoSync     bool       `json:"auto_sync"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	ConnectedAt  string     `json:"connected_at"`
}

type CalendarConnectionListResponse struct {
	Connections []CalendarConnectionResponse `json:"connections"`
}

type UpdateConnectionRequest struct {
	CalendarIDs []string `json:"calendar_ids"`
	AutoSync    *bool    `json:"auto_sync"`
}

type ConnectResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// ========== Sync DTOs ==========

// SyncReport summarizes one completed pull cycle.
type SyncReport struct {
	ConnectionID       uuid.UUID   `json:"connection_id"`
	Provider           string      `json:"provider"`
	EventsUpserted     int         `json:"events_upserted"`
	EventsDeleted      int         `json:"events_deleted"`
	FullSync           bool        `json:"full_sync"`
	ConflictingPlanIDs []uuid.UUID `json:"conflicting_plan_ids,omitempty"`
}

// ========== Busy DTOs ==========

type BusySlotsResponse struct {
	UserID string     `json:"user_id"`
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	Slots  []BusySlot `json:"slots"`
}
