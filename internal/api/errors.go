package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campusattend/internal/apperrors"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code     string    `json:"code"`
	Error    string    `json:"error"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// Conflict names the session that already holds a room.
type Conflict struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// HandleError maps domain errors to status codes and machine-readable codes. Scanning
// clients rely on invalid_token, token_expired and scanning_disabled being distinct.
func HandleError(c *gin.Context, log *zap.Logger, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, apperrors.ErrInvalidToken):
		status, code = http.StatusNotFound, "invalid_token"
	case errors.Is(err, apperrors.ErrExpiredToken):
		status, code = http.StatusGone, "token_expired"
	case errors.Is(err, apperrors.ErrInactiveToken):
		status, code = http.StatusLocked, "scanning_disabled"
	case errors.Is(err, apperrors.ErrTokenActive):
		status, code = http.StatusConflict, "token_active"
	case errors.Is(err, apperrors.ErrDuplicateAttendance):
		status, code = http.StatusConflict, "duplicate_attendance"
	case errors.Is(err, apperrors.ErrNotEnrolled):
		status, code = http.StatusForbidden, "not_enrolled"
	case errors.Is(err, apperrors.ErrSessionFinalized):
		status, code = http.StatusConflict, "session_finalized"
	case errors.Is(err, apperrors.ErrScanModeMismatch):
		status, code = http.StatusConflict, "scan_mode_mismatch"
	case errors.Is(err, apperrors.ErrRoomConflict):
		status, code = http.StatusConflict, "room_conflict"
	case errors.Is(err, apperrors.ErrSessionNotFound),
		errors.Is(err, apperrors.ErrRoomNotFound),
		errors.Is(err, apperrors.ErrRecordNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	}

	resp := ErrorResponse{Code: code, Error: err.Error()}
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		resp.Error = "internal server error"
	}
	var conflict *apperrors.RoomConflictError
	if errors.As(err, &conflict) {
		resp.Conflict = &Conflict{RoomID: conflict.RoomID, SessionID: conflict.SessionID}
		if !conflict.Start.IsZero() {
			resp.Conflict.Start = conflict.Start.Format(timeLayout)
			resp.Conflict.End = conflict.End.Format(timeLayout)
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: "invalid_input", Error: msg})
}
