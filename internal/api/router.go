// Package api exposes the attendance engine over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/clock"
	"campusattend/internal/cloudinary"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/qrtoken"
	"campusattend/internal/queue"
	"campusattend/internal/rooms"
	"campusattend/internal/sessions"
)

const timeLayout = time.RFC3339

// Uploader stores justification documents and returns their public location.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Deps are the collaborators the handlers use. Uploader may be nil.
type Deps struct {
	Sessions   *sessions.Service
	Rooms      *rooms.Service
	Attendance *attendance.Service
	QR         *qrtoken.Manager
	Renderer   *qrtoken.Renderer
	Jobs       queue.Publisher
	Uploader   Uploader
	Clock      clock.Clock
	Log        *zap.Logger

	SigningKey   string
	Issuer       string
	ScanLimiter  *httpmiddleware.Limiter
	QRValidity   time.Duration
	CORSOrigins  []string
	HealthChecks map[string]func(context.Context) bool
}

type handler struct {
	Deps
}

// NewRouter wires every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.ScanLimiter == nil {
		d.ScanLimiter = httpmiddleware.NewLimiter(120)
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(d.Log, "/healthz", "/metrics"))
	r.Use(corsPolicy(d.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1", auth.Bearer(d.SigningKey, d.Issuer))
	staff := auth.RequireRole(auth.RoleProfessor, auth.RoleAdmin)
	admin := auth.RequireRole(auth.RoleAdmin)
	anyone := auth.RequireRole(auth.RoleAdmin, auth.RoleProfessor, auth.RoleStudent)

	v1.POST("/rooms", admin, h.saveRoom)
	v1.GET("/rooms/available", anyone, h.availableRooms)
	v1.GET("/rooms/:id/availability", anyone, h.roomAvailability)
	v1.GET("/rooms/:id/busy", anyone, h.roomBusy)

	v1.PUT("/groups/:id/members", admin, h.setGroupMembers)

	v1.POST("/sessions", staff, h.createSession)
	v1.GET("/sessions/:id", anyone, h.getSession)
	v1.PATCH("/sessions/:id", staff, h.rescheduleSession)
	v1.DELETE("/sessions/:id", staff, h.deleteSession)
	v1.POST("/sessions/:id/complete", staff, h.completeSession)

	v1.POST("/sessions/:id/qr/activate", staff, h.activateQR)
	v1.POST("/sessions/:id/qr/regenerate", staff, h.regenerateQR)
	v1.POST("/sessions/:id/qr/deactivate", staff, h.deactivateQR)
	v1.GET("/sessions/:id/qr.png", staff, h.qrImage)

	v1.POST("/scans", auth.RequireRole(auth.RoleStudent, auth.RoleProfessor), d.ScanLimiter.Middleware(subjectKey), h.scan)

	v1.GET("/sessions/:id/attendance", staff, h.listAttendance)
	v1.POST("/sessions/:id/attendance", staff, h.markAttendance)
	v1.PUT("/sessions/:id/attendance/:student/justification", anyone, h.justify)

	v1.POST("/sessions/:id/finalize", admin, h.finalize)
	v1.POST("/reconcile/run", admin, h.requestReconcile)

	return r
}

func corsPolicy(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// subjectKey charges authenticated requests to the caller rather than their address.
func subjectKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "sub:" + claims.Subject
	}
	return httpmiddleware.ClientIP(c)
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	report := gin.H{"status": "ok"}
	for name, check := range h.HealthChecks {
		ok := check(c.Request.Context())
		report[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			report["status"] = "degraded"
		}
	}
	c.JSON(status, report)
}

func (h *handler) fail(c *gin.Context, err error) {
	HandleError(c, h.Log, err)
}

func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.ClaimsFrom(c)
	return cl
}

// parseRange reads two RFC3339 query parameters.
func parseRange(c *gin.Context, fromKey, toKey string) (time.Time, time.Time, bool) {
	from, err := time.Parse(timeLayout, c.Query(fromKey))
	if err != nil {
		badRequest(c, fromKey+" must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(timeLayout, c.Query(toKey))
	if err != nil {
		badRequest(c, toKey+" must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	return from.UTC(), to.UTC(), true
}
