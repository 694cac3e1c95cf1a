package service

import (
	"context"
	"sort"
	"time"

	"doer-api/core/errors"
	"doer-api/core/logger"
	"doer-api/modules/calendar/dto"
	"doer-api/modules/calendar/mapper"
	"doer-api/modules/calendar/repository"

	"github.com/google/uuid"
)

type BusyService interface {
	// GetBusySlots returns the user's busy intervals in [start, end), one
	// slot per stored event.
	GetBusySlots(ctx context.Context, userID uuid.UUID, start, end time.Time) (*dto.BusySlotsResponse, error)

	// GetMergedBusySlots collapses overlapping and adjacent slots into a
	// minimal interval set.
	GetMergedBusySlots(ctx context.Context, userID uuid.UUID, start, end time.Time) (*dto.BusySlotsResponse, error)
}

type busyService struct {
	repo repository.CalendarRepository
}

func NewBusyService(repo repository.CalendarRepository) BusyService {
	return &busyService{repo: repo}
}

func (s *busyService) GetBusySlots(ctx context.Context, userID uuid.UUID, start, end time.Time) (*dto.BusySlotsResponse, error) {
	if !end.After(start) {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "end must be after start", nil)
	}

	events, err := s.repo.GetEventsInRange(ctx, userID, start, end)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to load busy events", err)
	}

	connProviders, err := s.providerIndex(ctx, userID)
	if err != nil {
		return nil, err
	}

	slots := make([]dto.BusySlot, 0, len(events))
	for i := range events {
		slots = append(slots, mapper.ToBusySlot(&events[i], connProviders[events[i].ConnectionID]))
	}

	return &dto.BusySlotsResponse{
		UserID: userID.String(),
		Start:  start,
		End:    end,
		Slots:  slots,
	}, nil
}

func (s *busyService) GetMergedBusySlots(ctx context.Context, userID uuid.UUID, start, end time.Time) (*dto.BusySlotsResponse, error) {
	resp, err := s.GetBusySlots(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	resp.Slots = mergeBusySlots(resp.Slots)
	logger.Debug("BusyService:GetMergedBusySlots:Merged", "user_id", userID, "slot_count", len(resp.Slots))
	return resp, nil
}

func (s *busyService) providerIndex(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]string, error) {
	conns, err := s.repo.GetConnectionsByUserID(ctx, userID)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrInternalServer, "failed to load connections", err)
	}
	index := make(map[uuid.UUID]string, len(conns))
	for i := range conns {
		index[conns[i].ID] = conns[i].Provider
	}
	return index, nil
}

// mergeBusySlots collapses overlapping or adjacent intervals. Merged slots
// lose per-event metadata since they no longer map to a single event.
func mergeBusySlots(slots []dto.BusySlot) []dto.BusySlot {
	if len(slots) == 0 {
		return slots
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})

	merged := []dto.BusySlot{{
		Start:  slots[0].Start,
		End:    slots[0].End,
		Source: dto.BusySlotSource,
	}}

	for i := 1; i < len(slots); i++ {
		last := &merged[len(merged)-1]
		current := slots[i]

		if current.Start.Before(last.End) || current.Start.Equal(last.End) {
			if current.End.After(last.End) {
				last.End = current.End
			}
		} else {
			merged = append(merged, dto.BusySlot{
				Start:  current.Start,
				End:    current.End,
				Source: dto.BusySlotSource,
			})
		}
	}
	return merged
}
