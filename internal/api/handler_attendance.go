package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/logger"
	"campusattend/internal/model"
	"campusattend/internal/queue"
	"campusattend/internal/scheduler"
)

const maxDocumentBytes = 10 << 20

func (h *handler) scan(c *gin.Context) {
	var req struct {
		Token     string `json:"token" binding:"required"`
		StudentID string `json:"student_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cl := claims(c)
	scan := attendance.ScanRequest{Token: req.Token, Actor: cl.Subject, Kind: model.ModeStudentScan}
	if cl.Role == auth.RoleProfessor {
		scan.Kind = model.ModeProfessorScan
		scan.StudentID = req.StudentID
	}
	rec, err := h.Attendance.Scan(c.Request.Context(), scan)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *handler) listAttendance(c *gin.Context) {
	recs, err := h.Attendance.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "records": recs})
}

func (h *handler) markAttendance(c *gin.Context) {
	var req struct {
		StudentID string       `json:"student_id" binding:"required"`
		Status    model.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := h.Attendance.Mark(c.Request.Context(), c.Param("id"), req.StudentID, req.Status, claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// justify accepts either JSON {text, document_ref} or a multipart form with
// a text field and an optional file, which is uploaded before the record is updated.
func (h *handler) justify(c *gin.Context) {
	sessionID, studentID := c.Param("id"), c.Param("student")
	if cl := claims(c); cl.Role == auth.RoleStudent && cl.Subject != studentID {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Code: "forbidden", Error: "students may only justify their own attendance"})
		return
	}

	var text, documentRef string
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		text = c.PostForm("text")
		ref, ok := h.uploadDocument(c, sessionID, studentID)
		if !ok {
			return
		}
		documentRef = ref
	} else {
		var req struct {
			Text        string `json:"text"`
			DocumentRef string `json:"document_ref"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		text, documentRef = req.Text, req.DocumentRef
	}

	rec, err := h.Attendance.Justify(c.Request.Context(), sessionID, studentID, text, documentRef)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// uploadDocument returns "" when the form carries no file.
func (h *handler) uploadDocument(c *gin.Context, sessionID, studentID string) (string, bool) {
	file, header, err := c.Request.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return "", true
	}
	if err != nil {
		badRequest(c, "invalid file field")
		return "", false
	}
	defer file.Close()
	if h.Uploader == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Code: "storage_unavailable", Error: "document storage not configured"})
		return "", false
	}
	data, err := io.ReadAll(io.LimitReader(file, maxDocumentBytes+1))
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	if len(data) > maxDocumentBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Code: "too_large", Error: "document exceeds 10MB"})
		return "", false
	}
	res, err := h.Uploader.Upload(c.Request.Context(), data, header.Filename, sessionID+"_"+studentID)
	if err != nil {
		h.Log.Warn("justification upload failed",
			zap.String(logger.FieldSessionID, sessionID),
			zap.String(logger.FieldStudentID, studentID),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Code: "upload_failed", Error: "document upload failed"})
		return "", false
	}
	return res.SecureURL, true
}

func (h *handler) finalize(c *gin.Context) {
	n, finalized, err := h.Attendance.ReconcileAbsences(c.Request.Context(), c.Param("id"), h.Clock.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "absent": n, "finalized": finalized})
}

func (h *handler) requestReconcile(c *gin.Context) {
	var req scheduler.RunRequest
	if !bindOptional(c, &req) {
		return
	}
	req.RequestedBy = claims(c).Subject
	req.RequestedAt = h.Clock.Now()
	msg, err := queue.NewJSON(queue.TypeReconcileRun, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Jobs.Publish(c.Request.Context(), msg); err != nil {
		h.Log.Error("reconcile request not queued", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Code: "queue_unavailable", Error: "could not queue reconciliation"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "session_id": req.SessionID})
}
