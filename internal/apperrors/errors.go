package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Token validation errors. Each one maps to a distinct client message.
var (
	ErrInvalidToken  = errors.New("attendance code not recognised")
	ErrExpiredToken  = errors.New("attendance code expired, please scan a fresh code")
	ErrInactiveToken = errors.New("scanning is disabled for this session")
	ErrTokenActive   = errors.New("attendance code is already active, regenerate it instead")
)

// Attendance errors.
var (
	ErrDuplicateAttendance = errors.New("attendance already recorded for this student")
	ErrNotEnrolled         = errors.New("student is not enrolled in this session")
	ErrSessionFinalized    = errors.New("session attendance is finalized")
	ErrScanModeMismatch    = errors.New("this kind of scan is not enabled for the session")
)

// Resource errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRecordNotFound  = errors.New("attendance record not found")
	ErrRoomConflict    = errors.New("room is already booked for that time")
	ErrInvalidInput    = errors.New("invalid input")
)

// RoomConflictError names the session that already occupies the room.
type RoomConflictError struct {
	RoomID    string
	SessionID string
	Start     time.Time
	End       time.Time
}

func (e *RoomConflictError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("room %s is already booked for that time", e.RoomID)
	}
	return fmt.Sprintf("room %s is booked by session %s from %s to %s",
		e.RoomID, e.SessionID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrRoomConflict.
func (e *RoomConflictError) Unwrap() error { return ErrRoomConflict }

// Invalid wraps ErrInvalidInput with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
