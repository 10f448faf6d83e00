package model

import (
	"time"
)

// SystemActor marks records synthesized by the reconciliation job.
const SystemActor = "system"

// QRMode is the attendance-taking mode enabled for a session.
type QRMode string

const (
	ModeManual        QRMode = "MANUAL"
	ModeProfessorScan QRMode = "PROFESSOR_SCAN"
	ModeStudentScan   QRMode = "STUDENT_SCAN"
)

// Valid reports whether m is a known mode.
func (m QRMode) Valid() bool {
	switch m {
	case ModeManual, ModeProfessorScan, ModeStudentScan:
		return true
	}
	return false
}

// QRStatus is the stored lifecycle state of a session token.
// EXPIRED is never stored; it is derived from ExpiresAt.
type QRStatus string

const (
	QRNone        QRStatus = "NO_TOKEN"
	QRActive      QRStatus = "ACTIVE"
	QRExpired     QRStatus = "EXPIRED"
	QRDeactivated QRStatus = "DEACTIVATED"
)

// QRState is the token state owned by a session.
type QRState struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Status    QRStatus  `json:"status"`
	Mode      QRMode    `json:"mode"`
}

// Effective returns the status as observed at now.
func (q QRState) Effective(now time.Time) QRStatus {
	if q.Status == "" {
		return QRNone
	}
	if q.Status == QRActive && !now.Before(q.ExpiresAt) {
		return QRExpired
	}
	return q.Status
}

// Session is a single scheduled class meeting.
type Session struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	StartsAt            time.Time `json:"starts_at"`
	DurationMinutes     int       `json:"duration_minutes"`
	RoomID              *string   `json:"room_id,omitempty"`
	GroupIDs            []string  `json:"group_ids"`
	ProfessorID         string    `json:"professor_id"`
	Completed           bool      `json:"completed"`
	AttendanceFinalized bool      `json:"attendance_finalized"`
	QR                  QRState   `json:"qr"`
	CreatedAt           time.Time `json:"created_at"`
}

// EndsAt is the exclusive end of the session.
func (s Session) EndsAt() time.Time {
	return s.StartsAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// GraceDeadline is the instant after which unscanned students become absent.
func (s Session) GraceDeadline(grace time.Duration) time.Time {
	return s.EndsAt().Add(grace)
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	if s.RoomID != nil {
		room := *s.RoomID
		out.RoomID = &room
	}
	out.GroupIDs = append([]string(nil), s.GroupIDs...)
	return out
}

// Status is the attendance status of a student for a session.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// AttendanceRecord is the single record for a (student, session) pair.
type AttendanceRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	StudentID         string    `json:"student_id"`
	Status            Status    `json:"status"`
	CapturedAt        time.Time `json:"captured_at"`
	Justified         bool      `json:"justified"`
	JustificationText string    `json:"justification_text,omitempty"`
	DocumentRef       string    `json:"document_ref,omitempty"`
	MarkedBy          string    `json:"marked_by"`
}

// Room is a bookable location.
type Room struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Active   bool   `json:"active"`
}

// Booking is the busy interval a session places on its room.
type Booking struct {
	RoomID    string    `json:"room_id"`
	SessionID string    `json:"session_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// BookingOf derives the booking of a session, if it has a room.
func BookingOf(s Session) (Booking, bool) {
	if s.RoomID == nil || *s.RoomID == "" {
		return Booking{}, false
	}
	return Booking{RoomID: *s.RoomID, SessionID: s.ID, Start: s.StartsAt, End: s.EndsAt()}, true
}
