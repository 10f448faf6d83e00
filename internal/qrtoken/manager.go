// Package qrtoken owns the QR code lifecycle of a session: activation, regeneration,
// deactivation and validation of scanned codes.
package qrtoken

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/apperrors"
	"campusattend/internal/clock"
	"campusattend/internal/logger"
	"campusattend/internal/model"
	"campusattend/internal/store"
)

// Manager drives the NO_TOKEN -> ACTIVE -> EXPIRED / DEACTIVATED state machine.
type Manager struct {
	store    store.Store
	codec    Codec
	clock    clock.Clock
	validity time.Duration
	log      *zap.Logger
}

// NewManager creates a Manager. validity is used when a caller passes no validity of its own.
func NewManager(st store.Store, codec Codec, clk clock.Clock, validity time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: st, codec: codec, clock: clk, validity: validity, log: log}
}

// Activate issues a token for a scan mode. It is legal from NO_TOKEN, EXPIRED and DEACTIVATED.
func (m *Manager) Activate(ctx context.Context, sessionID string, mode model.QRMode, validity time.Duration) (model.Session, error) {
	if mode != model.ModeProfessorScan && mode != model.ModeStudentScan {
		return model.Session{}, apperrors.Invalid("mode must be %s or %s", model.ModeProfessorScan, model.ModeStudentScan)
	}
	return m.issue(ctx, sessionID, mode, validity, false)
}

// Regenerate replaces the current token unconditionally, keeping the scan mode.
func (m *Manager) Regenerate(ctx context.Context, sessionID string, validity time.Duration) (model.Session, error) {
	return m.issue(ctx, sessionID, "", validity, true)
}

func (m *Manager) issue(ctx context.Context, sessionID string, mode model.QRMode, validity time.Duration, force bool) (model.Session, error) {
	if validity < 0 {
		return model.Session{}, apperrors.Invalid("validity must be positive")
	}
	if validity == 0 {
		validity = m.validity
	}
	var out model.Session
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.AttendanceFinalized {
			return apperrors.ErrSessionFinalized
		}
		now := m.clock.Now()
		if !force && s.QR.Effective(now) == model.QRActive {
			return apperrors.ErrTokenActive
		}
		if mode == "" {
			mode = s.QR.Mode
			if mode != model.ModeProfessorScan && mode != model.ModeStudentScan {
				mode = model.ModeStudentScan
			}
		}
		token, err := m.codec.NewToken(s.ID)
		if err != nil {
			return err
		}
		s.QR = model.QRState{Token: token, ExpiresAt: now.Add(validity), Status: model.QRActive, Mode: mode}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	m.log.Info("qr code issued",
		zap.String(logger.FieldSessionID, sessionID),
		zap.String("mode", string(out.QR.Mode)),
		zap.Time("expires_at", out.QR.ExpiresAt),
		zap.Bool("regenerated", force))
	return out, nil
}

// Deactivate stops the current token from validating. The token value is kept for audit.
// Deactivating a session that never had a token is a no-op.
func (m *Manager) Deactivate(ctx context.Context, sessionID string) (model.Session, error) {
	var out model.Session
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		out = s
		if s.QR.Effective(m.clock.Now()) == model.QRNone || s.QR.Status == model.QRDeactivated {
			return nil
		}
		s.QR.Status = model.QRDeactivated
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	return out, nil
}

// Validate resolves a scanned token to its session using the current time.
func (m *Manager) Validate(ctx context.Context, token string) (model.Session, error) {
	return m.ValidateAt(ctx, token, m.clock.Now())
}

// ValidateAt succeeds only when token is the session's current token, the session's
// state is ACTIVE and now is before the expiry.
func (m *Manager) ValidateAt(ctx context.Context, token string, now time.Time) (model.Session, error) {
	sessionID, err := m.codec.Verify(token)
	if err != nil {
		return model.Session{}, apperrors.ErrInvalidToken
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return model.Session{}, apperrors.ErrInvalidToken
		}
		return model.Session{}, err
	}
	if err := Check(s.QR, token, now); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

// Check applies the validation rules to a stored token state.
func Check(q model.QRState, token string, now time.Time) error {
	if q.Token == "" || subtle.ConstantTimeCompare([]byte(q.Token), []byte(token)) != 1 {
		return apperrors.ErrInvalidToken
	}
	switch q.Effective(now) {
	case model.QRActive:
		return nil
	case model.QRExpired:
		return apperrors.ErrExpiredToken
	case model.QRDeactivated:
		return apperrors.ErrInactiveToken
	default:
		return apperrors.ErrInvalidToken
	}
}
