package mapper

import (
	"encoding/json"
	"time"

	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/entity"

	"github.com/google/uuid"
)

// ToCalendarEvent materializes a fetched external event for storage. Returns
// nil when the event carries no resolvable time range; callers skip those.
func ToCalendarEvent(connectionID uuid.UUID, ev *dto.ExternalEvent) *entity.CalendarEvent {
	start, startOK := ev.Start.Resolve()
	end, endOK := ev.End.Resolve()
	if !startOK || !endOK {
		return nil
	}

	var metadata json.RawMessage
	if len(ev.Extended) > 0 {
		if raw, err := json.Marshal(ev.Extended); err == nil {
			metadata = raw
		}
	}

	return &entity.CalendarEvent{
		ConnectionID:  connectionID,
		ExternalID:    ev.ID,
		CalendarID:    ev.CalendarID,
		Summary:       ev.Summary,
		Description:   ev.Description,
		StartsAt:      start.UTC(),
		EndsAt:        end.UTC(),
		AllDay:        ev.Start.Date != "",
		Timezone:      ev.Start.Timezone,
		IsBusy:        !ev.Transparent,
		CreatedByDoer: ev.CreatedByDoer(),
		ETag:          ev.ETag,
		Metadata:      metadata,
	}
}

func ToBusySlot(ev *entity.CalendarEvent, provider string) dto.BusySlot {
	return dto.BusySlot{
		Start:  ev.StartsAt,
		End:    ev.EndsAt,
		Source: dto.BusySlotSource,
		Metadata: dto.BusySlotMetadata{
			Summary:       ev.Summary,
			CreatedByDoer: ev.CreatedByDoer,
			Provider:      provider,
			CalendarID:    ev.CalendarID,
		},
	}
}

func ToConnectionResponse(conn *entity.CalendarConnection) dto.CalendarConnectionResponse {
	return dto.CalendarConnectionResponse{
		ID:           conn.ID.String(),
		Provider:     conn.Provider,
		AccountEmail: conn.AccountEmail,
		CalendarIDs:  conn.CalendarIDs,
		AutoSync:     conn.AutoSync,
		LastSyncedAt: conn.LastSyncedAt,
		ConnectedAt:  conn.CreatedAt.Format(time.RFC3339),
	}
}

func ToConnectionListResponse(conns []entity.CalendarConnection) dto.CalendarConnectionListResponse {
	out := dto.CalendarConnectionListResponse{
		Connections: make([]dto.CalendarConnectionResponse, 0, len(conns)),
	}
	for i := range conns {
		out.Connections = append(out.Connections, ToConnectionResponse(&conns[i]))
	}
	return out
}
