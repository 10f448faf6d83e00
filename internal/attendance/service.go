// Package attendance records scans and manual marks, handles justifications and
// synthesizes absences for students who never scanned.
package attendance

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campusattend/internal/apperrors"
	"campusattend/internal/clock"
	"campusattend/internal/logger"
	"campusattend/internal/metrics"
	"campusattend/internal/model"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// TokenValidator resolves a scanned QR token to its session.
type TokenValidator interface {
	ValidateAt(ctx context.Context, token string, now time.Time) (model.Session, error)
}

// Service coordinates attendance recording for sessions.
type Service struct {
	store    store.Store
	tokens   TokenValidator
	clock    clock.Clock
	lateness time.Duration
	events   queue.Publisher
	log      *zap.Logger
}

// NewService creates a service. lateness is how long after the start a scan still counts as PRESENT.
func NewService(st store.Store, tokens TokenValidator, clk clock.Clock, lateness time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, tokens: tokens, clock: clk, lateness: lateness, log: log}
}

// SetPublisher enables attendance.recorded events.
func (s *Service) SetPublisher(p queue.Publisher) {
	s.events = p
}

// ScanRequest is a QR scan submitted by a student device or a professor's scanner.
type ScanRequest struct {
	Token string
	// Kind is the mode the scanning client operates in.
	Kind model.QRMode
	// StudentID is required for professor scans; student scans use Actor.
	StudentID string
	Actor     string
}

// Scan validates the token, checks the scan kind against the session's mode and records attendance.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (model.AttendanceRecord, error) {
	now := s.clock.Now()
	session, err := s.tokens.ValidateAt(ctx, req.Token, now)
	if err != nil {
		s.count("scan", err)
		return model.AttendanceRecord{}, err
	}
	if req.Kind != session.QR.Mode {
		s.count("scan", apperrors.ErrScanModeMismatch)
		return model.AttendanceRecord{}, apperrors.ErrScanModeMismatch
	}
	student := req.StudentID
	if req.Kind == model.ModeStudentScan {
		student = req.Actor
	}
	if student == "" || req.Actor == "" {
		return model.AttendanceRecord{}, apperrors.Invalid("student and actor are required")
	}
	return s.RecordScanAt(ctx, session.ID, student, req.Actor, now)
}

// RecordScan records a PRESENT or LATE entry for student at the current time.
func (s *Service) RecordScan(ctx context.Context, sessionID, studentID, actor string) (model.AttendanceRecord, error) {
	return s.RecordScanAt(ctx, sessionID, studentID, actor, s.clock.Now())
}

// RecordScanAt records a scan observed at now. A scan later than start + lateness is LATE.
func (s *Service) RecordScanAt(ctx context.Context, sessionID, studentID, actor string, now time.Time) (model.AttendanceRecord, error) {
	rec, err := s.insert(ctx, sessionID, studentID, actor, now, func(session model.Session) model.Status {
		if now.After(session.StartsAt.Add(s.lateness)) {
			return model.StatusLate
		}
		return model.StatusPresent
	})
	s.count("scan", err)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.publish(ctx, rec)
	return rec, nil
}

// Mark records a status chosen by a professor. It is rejected once attendance is finalized.
func (s *Service) Mark(ctx context.Context, sessionID, studentID string, status model.Status, actor string) (model.AttendanceRecord, error) {
	if !status.Valid() {
		return model.AttendanceRecord{}, apperrors.Invalid("unknown status %q", status)
	}
	if actor == "" {
		return model.AttendanceRecord{}, apperrors.Invalid("actor is required")
	}
	rec, err := s.insert(ctx, sessionID, studentID, actor, s.clock.Now(), func(model.Session) model.Status { return status })
	s.count("manual", err)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.publish(ctx, rec)
	return rec, nil
}

// insert holds the session row lock so a concurrent reconciliation cannot interleave.
func (s *Service) insert(ctx context.Context, sessionID, studentID, actor string, now time.Time, status func(model.Session) model.Status) (model.AttendanceRecord, error) {
	if studentID == "" {
		return model.AttendanceRecord{}, apperrors.Invalid("student is required")
	}
	var rec model.AttendanceRecord
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.AttendanceFinalized {
			return apperrors.ErrSessionFinalized
		}
		roster, err := tx.ResolveRoster(ctx, sessionID)
		if err != nil {
			return err
		}
		if !contains(roster, studentID) {
			return apperrors.ErrNotEnrolled
		}
		if _, err := tx.FindRecord(ctx, sessionID, studentID); err == nil {
			return apperrors.ErrDuplicateAttendance
		} else if !errors.Is(err, apperrors.ErrRecordNotFound) {
			return err
		}
		rec = model.AttendanceRecord{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			StudentID:  studentID,
			Status:     status(session),
			CapturedAt: now,
			MarkedBy:   actor,
		}
		return tx.InsertRecord(ctx, rec)
	})
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	return rec, nil
}

// Justify attaches an excuse to an existing record. Only the justification fields change,
// so it stays allowed after finalization.
func (s *Service) Justify(ctx context.Context, sessionID, studentID, text, documentRef string) (model.AttendanceRecord, error) {
	if text == "" && documentRef == "" {
		return model.AttendanceRecord{}, apperrors.Invalid("justification text or document is required")
	}
	var rec model.AttendanceRecord
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		cur, err := tx.FindRecord(ctx, sessionID, studentID)
		if err != nil {
			return err
		}
		cur.Justified = true
		cur.JustificationText = text
		cur.DocumentRef = documentRef
		if err := tx.UpdateJustification(ctx, cur); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.log.Info("attendance justified",
		zap.String(logger.FieldSessionID, sessionID),
		zap.String(logger.FieldStudentID, studentID),
		zap.Bool("has_document", documentRef != ""))
	return rec, nil
}

// List returns every record of a session.
func (s *Service) List(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, sessionID)
}

// ReconcileAbsences writes an ABSENT record, dated at the session start, for every roster
// student without a record, then marks the session finalized. Roster resolution, the
// inserts and the flag commit together. The bool reports whether this call finalized the
// session; calling it again is a no-op returning (0, false).
func (s *Service) ReconcileAbsences(ctx context.Context, sessionID string, now time.Time) (int, bool, error) {
	var (
		created   int
		finalized bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		created = 0
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.AttendanceFinalized {
			return nil
		}
		roster, err := tx.ResolveRoster(ctx, sessionID)
		if err != nil {
			return err
		}
		existing, err := tx.ListRecords(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, student := range missing(roster, existing) {
			err := tx.InsertRecord(ctx, model.AttendanceRecord{
				ID:         uuid.NewString(),
				SessionID:  sessionID,
				StudentID:  student,
				Status:     model.StatusAbsent,
				CapturedAt: session.StartsAt,
				MarkedBy:   model.SystemActor,
			})
			if err != nil {
				return err
			}
			created++
		}
		session.AttendanceFinalized = true
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if finalized {
		metrics.SessionsFinalized.Inc()
		metrics.AbsencesSynthesized.Add(float64(created))
		s.log.Info("session attendance finalized",
			zap.String(logger.FieldSessionID, sessionID),
			zap.Int("absent", created),
			zap.Time("at", now))
	}
	return created, finalized, nil
}

// missing returns roster students with no record, sorted.
func missing(roster []string, existing []model.AttendanceRecord) []string {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.StudentID] = true
	}
	var out []string
	for _, st := range roster {
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Service) count(source string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrDuplicateAttendance):
		outcome = "duplicate"
	case errors.Is(err, apperrors.ErrNotEnrolled):
		outcome = "not_enrolled"
	case errors.Is(err, apperrors.ErrInvalidToken):
		outcome = "invalid_token"
	case errors.Is(err, apperrors.ErrExpiredToken):
		outcome = "expired_token"
	case errors.Is(err, apperrors.ErrInactiveToken):
		outcome = "inactive_token"
	case errors.Is(err, apperrors.ErrScanModeMismatch):
		outcome = "mode_mismatch"
	case errors.Is(err, apperrors.ErrSessionFinalized):
		outcome = "finalized"
	default:
		outcome = "error"
	}
	metrics.Scans.WithLabelValues(source, outcome).Inc()
}

func (s *Service) publish(ctx context.Context, rec model.AttendanceRecord) {
	if s.events == nil {
		return
	}
	msg, err := queue.NewJSON(queue.TypeAttendanceRecorded, rec)
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.Warn("publish attendance event failed",
			zap.String(logger.FieldSessionID, rec.SessionID),
			zap.String(logger.FieldStudentID, rec.StudentID),
			zap.Error(err))
	}
}
