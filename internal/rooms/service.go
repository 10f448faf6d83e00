// Package rooms answers room availability questions over the sessions booked into each room.
package rooms

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/apperrors"
	"campusattend/internal/interval"
	"campusattend/internal/logger"
	"campusattend/internal/metrics"
	"campusattend/internal/model"
	"campusattend/internal/store"
)

// Service composes the interval index over stored bookings.
type Service struct {
	store store.Store
	log   *zap.Logger
}

// NewService creates a room availability service.
func NewService(st store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, log: log}
}

func checkRange(start, end time.Time) error {
	if !start.Before(end) {
		return apperrors.Invalid("end must be after start")
	}
	return nil
}

// index loads the bookings overlapping [start, end) for roomIDs (nil means all rooms).
func (s *Service) index(ctx context.Context, st store.Store, roomIDs []string, start, end time.Time) (*interval.Index, error) {
	bookings, err := st.FindBookings(ctx, roomIDs, start, end)
	if err != nil {
		return nil, err
	}
	idx := interval.New()
	for _, b := range bookings {
		if err := idx.Add(b.RoomID, interval.Interval{ID: b.SessionID, Start: b.Start, End: b.End}); err != nil {
			if errors.Is(err, interval.ErrEmptyInterval) {
				continue
			}
			return nil, err
		}
	}
	return idx, nil
}

// FindAvailable returns active rooms with at least minCapacity seats (0 for any) that are
// free over [start, end), ordered by id.
func (s *Service) FindAvailable(ctx context.Context, start, end time.Time, minCapacity int) ([]model.Room, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	rooms, err := s.store.ListRooms(ctx, true)
	if err != nil {
		return nil, err
	}
	candidates := make([]model.Room, 0, len(rooms))
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r.Capacity >= minCapacity {
			candidates = append(candidates, r)
			ids = append(ids, r.ID)
		}
	}
	if len(candidates) == 0 {
		return []model.Room{}, nil
	}
	idx, err := s.index(ctx, s.store, ids, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]model.Room, 0, len(candidates))
	for _, r := range candidates {
		if !idx.Conflicts(r.ID, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// IsAvailable reports whether roomID is free over [start, end).
func (s *Service) IsAvailable(ctx context.Context, roomID string, start, end time.Time) (bool, error) {
	if err := checkRange(start, end); err != nil {
		return false, err
	}
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return false, err
	}
	idx, err := s.index(ctx, s.store, []string{roomID}, start, end)
	if err != nil {
		return false, err
	}
	return !idx.Conflicts(roomID, start, end), nil
}

// CheckPlacement rejects placing sessionID into roomID over [start, end) when another session
// already holds it. The room must exist and be active. It reads through st so callers can run
// it inside their transaction.
func (s *Service) CheckPlacement(ctx context.Context, st store.Store, roomID, sessionID string, start, end time.Time) error {
	if err := checkRange(start, end); err != nil {
		return err
	}
	room, err := st.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Active {
		return apperrors.Invalid("room %s is not active", roomID)
	}
	idx, err := s.index(ctx, st, []string{roomID}, start, end)
	if err != nil {
		return err
	}
	clash, found := idx.FirstConflict(roomID, start, end, sessionID)
	if !found {
		metrics.BookingChecks.WithLabelValues("free").Inc()
		return nil
	}
	metrics.BookingChecks.WithLabelValues("conflict").Inc()
	s.log.Info("room placement rejected",
		zap.String(logger.FieldRoomID, roomID),
		zap.String(logger.FieldSessionID, sessionID),
		zap.String("clashing_session_id", clash.ID))
	return &apperrors.RoomConflictError{RoomID: roomID, SessionID: clash.ID, Start: clash.Start, End: clash.End}
}

// Busy lists the bookings of roomID overlapping [from, to), ordered by start.
func (s *Service) Busy(ctx context.Context, roomID string, from, to time.Time) ([]model.Booking, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, s.store, []string{roomID}, from, to)
	if err != nil {
		return nil, err
	}
	busy := idx.ListBusy(roomID, from, to)
	out := make([]model.Booking, 0, len(busy))
	for _, iv := range busy {
		out = append(out, model.Booking{RoomID: roomID, SessionID: iv.ID, Start: iv.Start, End: iv.End})
	}
	return out, nil
}

// Save creates or updates a room.
func (s *Service) Save(ctx context.Context, r model.Room) (model.Room, error) {
	if r.ID == "" || r.Name == "" {
		return model.Room{}, apperrors.Invalid("room id and name are required")
	}
	if r.Capacity <= 0 {
		return model.Room{}, apperrors.Invalid("capacity must be positive")
	}
	if err := s.store.UpsertRoom(ctx, r); err != nil {
		return model.Room{}, err
	}
	return r, nil
}
