package store

import (
	"context"
	"time"

	"campusattend/internal/model"
)

// Store defines every persistence operation the attendance core depends on.
// Implementations translate storage constraint violations into apperrors sentinels.
type Store interface {
	// WithTx runs fn in a single transaction. Inside fn, GetSession locks the session row.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	GetSession(ctx context.Context, id string) (model.Session, error)
	// CreateSession persists a session, re-validating its room booking under a lock.
	CreateSession(ctx context.Context, s model.Session) error
	// UpdateSession saves a session, re-validating its room booking against other sessions.
	UpdateSession(ctx context.Context, s model.Session) error
	DeleteSession(ctx context.Context, id string) error
	// ListUnfinalized returns sessions starting in [from, to) whose attendance is not finalized.
	ListUnfinalized(ctx context.Context, from, to time.Time) ([]model.Session, error)

	FindRecord(ctx context.Context, sessionID, studentID string) (model.AttendanceRecord, error)
	InsertRecord(ctx context.Context, r model.AttendanceRecord) error
	ListRecords(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	UpdateJustification(ctx context.Context, r model.AttendanceRecord) error

	GetRoom(ctx context.Context, id string) (model.Room, error)
	ListRooms(ctx context.Context, activeOnly bool) ([]model.Room, error)
	UpsertRoom(ctx context.Context, r model.Room) error
	// FindBookings returns bookings overlapping [start, end). A nil roomIDs means every room.
	FindBookings(ctx context.Context, roomIDs []string, start, end time.Time) ([]model.Booking, error)

	// ResolveRoster returns the union of students across the session's groups, read now.
	ResolveRoster(ctx context.Context, sessionID string) ([]string, error)
	SetGroupMembers(ctx context.Context, groupID string, studentIDs []string) error
}
