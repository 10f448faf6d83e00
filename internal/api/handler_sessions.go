package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campusattend/internal/apperrors"
	"campusattend/internal/auth"
	"campusattend/internal/model"
	"campusattend/internal/qrtoken"
	"campusattend/internal/sessions"
)

func (h *handler) createSession(c *gin.Context) {
	var req sessions.NewSession
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if cl := claims(c); cl.Role == auth.RoleProfessor {
		req.ProfessorID = cl.Subject
	}
	s, err := h.Sessions.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *handler) getSession(c *gin.Context) {
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s, h.Clock.Now()))
}

func (h *handler) rescheduleSession(c *gin.Context) {
	var req sessions.Change
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.Sessions.Reschedule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) deleteSession(c *gin.Context) {
	if err := h.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) completeSession(c *gin.Context) {
	s, err := h.Sessions.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type qrRequest struct {
	Mode            model.QRMode `json:"mode"`
	ValidityMinutes int          `json:"validity_minutes"`
}

func (r qrRequest) validity(fallback time.Duration) time.Duration {
	if r.ValidityMinutes > 0 {
		return time.Duration(r.ValidityMinutes) * time.Minute
	}
	return fallback
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func (h *handler) activateQR(c *gin.Context) {
	req := qrRequest{Mode: model.ModeStudentScan}
	if !bindOptional(c, &req) {
		return
	}
	s, err := h.QR.Activate(c.Request.Context(), c.Param("id"), req.Mode, req.validity(h.QRValidity))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenView(s))
}

func (h *handler) regenerateQR(c *gin.Context) {
	var req qrRequest
	if !bindOptional(c, &req) {
		return
	}
	s, err := h.QR.Regenerate(c.Request.Context(), c.Param("id"), req.validity(h.QRValidity))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenView(s))
}

func (h *handler) deactivateQR(c *gin.Context) {
	s, err := h.QR.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s, h.Clock.Now()))
}

// qrImage renders the session's current code for display in the classroom.
func (h *handler) qrImage(c *gin.Context) {
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if s.QR.Token == "" {
		h.fail(c, apperrors.ErrInactiveToken)
		return
	}
	if err := qrtoken.Check(s.QR, s.QR.Token, h.Clock.Now()); err != nil {
		h.fail(c, err)
		return
	}
	png, err := h.Renderer.PNG(s.QR.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// sessionView reports the derived token status instead of the stored one.
func sessionView(s model.Session, now time.Time) model.Session {
	s.QR.Status = s.QR.Effective(now)
	return s
}

func tokenView(s model.Session) gin.H {
	return gin.H{
		"session_id": s.ID,
		"token":      s.QR.Token,
		"mode":       s.QR.Mode,
		"status":     s.QR.Status,
		"expires_at": s.QR.ExpiresAt,
	}
}
