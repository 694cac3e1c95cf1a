package provider

import "doer-api/modules/calendar/dto"

// ConvertToBusySlot maps a normalized external event to a busy slot. Returns
// nil when the event blocks no time: tombstones, transparent (free) events,
// and events lacking a resolvable start or end. DOER-created events are
// tagged via their embedded identifiers so conflict detection can exclude
// them.
func ConvertToBusySlot(event *dto.ExternalEvent, calendarID string, providerType string) *dto.BusySlot {
	if event == nil || event.Deleted || event.Transparent {
		return nil
	}

	start, ok := event.Start.Resolve()
	if !ok {
		return nil
	}
	end, ok := event.End.Resolve()
	if !ok {
		return nil
	}

	return &dto.BusySlot{
		Start:  start,
		End:    end,
		Source: dto.BusySlotSource,
		Metadata: dto.BusySlotMetadata{
			Summary:       event.Summary,
			CreatedByDoer: event.CreatedByDoer(),
			Provider:      providerType,
			CalendarID:    calendarID,
		},
	}
}
