// Package sessions manages the lifecycle of class sessions and their room placement.
package sessions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campusattend/internal/apperrors"
	"campusattend/internal/clock"
	"campusattend/internal/logger"
	"campusattend/internal/model"
	"campusattend/internal/rooms"
	"campusattend/internal/store"
)

// NewSession describes a session to schedule.
type NewSession struct {
	Title           string    `json:"title" binding:"required"`
	StartsAt        time.Time `json:"starts_at" binding:"required"`
	DurationMinutes int       `json:"duration_minutes" binding:"required"`
	RoomID          *string   `json:"room_id"`
	GroupIDs        []string  `json:"group_ids" binding:"required"`
	ProfessorID     string    `json:"professor_id"`
}

// Change moves a session. Nil fields keep their current value; ClearRoom drops the room.
type Change struct {
	StartsAt        *time.Time `json:"starts_at"`
	DurationMinutes *int       `json:"duration_minutes"`
	RoomID          *string    `json:"room_id"`
	ClearRoom       bool       `json:"clear_room"`
}

// Service schedules sessions without double-booking rooms.
type Service struct {
	store store.Store
	rooms *rooms.Service
	clock clock.Clock
	log   *zap.Logger
}

// NewService creates a session service.
func NewService(st store.Store, rs *rooms.Service, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, rooms: rs, clock: clk, log: log}
}

func validate(s model.Session) error {
	if strings.TrimSpace(s.Title) == "" {
		return apperrors.Invalid("title is required")
	}
	if s.StartsAt.IsZero() {
		return apperrors.Invalid("start is required")
	}
	// zero-length sessions never occupy a room and are invalid input
	if s.DurationMinutes <= 0 {
		return apperrors.Invalid("duration must be a positive number of minutes")
	}
	if len(s.GroupIDs) == 0 {
		return apperrors.Invalid("at least one group is required")
	}
	return nil
}

// Create validates and persists a new session. A room clash yields *apperrors.RoomConflictError.
func (s *Service) Create(ctx context.Context, in NewSession) (model.Session, error) {
	session := model.Session{
		ID:              uuid.NewString(),
		Title:           in.Title,
		StartsAt:        in.StartsAt.UTC(),
		DurationMinutes: in.DurationMinutes,
		RoomID:          normalizeRoom(in.RoomID),
		GroupIDs:        in.GroupIDs,
		ProfessorID:     in.ProfessorID,
		QR:              model.QRState{Status: model.QRNone, Mode: model.ModeManual},
		CreatedAt:       s.clock.Now(),
	}
	if err := validate(session); err != nil {
		return model.Session{}, err
	}
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := s.place(ctx, tx, session); err != nil {
			return err
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return model.Session{}, err
	}
	s.log.Info("session created",
		zap.String(logger.FieldSessionID, session.ID),
		zap.Time("starts_at", session.StartsAt),
		zap.Int("duration_minutes", session.DurationMinutes))
	return session, nil
}

// Reschedule moves a session in time or space. It is rejected once attendance is finalized.
func (s *Service) Reschedule(ctx context.Context, id string, ch Change) (model.Session, error) {
	var out model.Session
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		session, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if session.AttendanceFinalized {
			return apperrors.ErrSessionFinalized
		}
		if ch.StartsAt != nil {
			session.StartsAt = ch.StartsAt.UTC()
		}
		if ch.DurationMinutes != nil {
			session.DurationMinutes = *ch.DurationMinutes
		}
		switch {
		case ch.ClearRoom:
			session.RoomID = nil
		case ch.RoomID != nil:
			session.RoomID = normalizeRoom(ch.RoomID)
		}
		if err := validate(session); err != nil {
			return err
		}
		if err := s.place(ctx, tx, session); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	return out, nil
}

func (s *Service) place(ctx context.Context, tx store.Store, session model.Session) error {
	b, ok := model.BookingOf(session)
	if !ok {
		return nil
	}
	return s.rooms.CheckPlacement(ctx, tx, b.RoomID, session.ID, b.Start, b.End)
}

// Complete flags the session as held and stops its QR code from validating.
func (s *Service) Complete(ctx context.Context, id string) (model.Session, error) {
	var out model.Session
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		session, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		session.Completed = true
		if session.QR.Status == model.QRActive {
			session.QR.Status = model.QRDeactivated
		}
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

// Delete removes a session together with its attendance records.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.log.Info("session deleted", zap.String(logger.FieldSessionID, id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// SetGroupMembers replaces the membership of a group.
func (s *Service) SetGroupMembers(ctx context.Context, groupID string, studentIDs []string) error {
	if groupID == "" {
		return apperrors.Invalid("group id is required")
	}
	return s.store.SetGroupMembers(ctx, groupID, dedupe(studentIDs))
}

func normalizeRoom(id *string) *string {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil
	}
	room := strings.TrimSpace(*id)
	return &room
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
