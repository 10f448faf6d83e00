package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/clock"
	"campusattend/internal/cloudinary"
	"campusattend/internal/qrtoken"
	"campusattend/internal/queue"
	"campusattend/internal/rooms"
	"campusattend/internal/scheduler"
	"campusattend/internal/sessions"
	"campusattend/internal/store"
)

const (
	signingKey = "api-test-signing-key"
	issuer     = "campusattend-test"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeUploader struct {
	publicID string
	data     []byte
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, _ string, publicID string) (*cloudinary.UploadResult, error) {
	f.publicID, f.data = publicID, data
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn.example/" + publicID}, nil
}

type testServer struct {
	router   *gin.Engine
	clock    *clock.Fake
	store    *store.Memory
	jobs     *queue.InMemory
	uploader *fakeUploader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	clk := clock.NewFake(start.Add(-time.Hour))
	rs := rooms.NewService(st, nil)
	qr := qrtoken.NewManager(st, qrtoken.NewSignedCodec("api-test-qr-key-0000", issuer), clk, 5*time.Minute, nil)
	jobs := queue.NewInMemory(4)
	up := &fakeUploader{}
	r := NewRouter(Deps{
		Sessions:   sessions.NewService(st, rs, clk, nil),
		Rooms:      rs,
		Attendance: attendance.NewService(st, qr, clk, 15*time.Minute, nil),
		QR:         qr,
		Renderer:   qrtoken.NewRenderer(128, time.Minute),
		Jobs:       jobs,
		Uploader:   up,
		Clock:      clk,
		SigningKey: signingKey,
		Issuer:     issuer,
		QRValidity: 5 * time.Minute,
	})
	require.NoError(t, st.SetGroupMembers(context.Background(), "g1", []string{"alice", "bob"}))
	return &testServer{router: r, clock: clk, store: st, jobs: jobs, uploader: up}
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (s *testServer) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// scheduled creates room r1 and a 09:00-10:00 session in it for group g1.
func (s *testServer) scheduled(t *testing.T) string {
	t.Helper()
	admin := bearer(t, "admin", auth.RoleAdmin)
	w := s.do(t, http.MethodPost, "/v1/rooms", admin, gin.H{"id": "r1", "name": "Hall A", "capacity": 40})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/sessions", bearer(t, "prof", auth.RoleProfessor), gin.H{
		"title": "Algebra", "starts_at": start, "duration_minutes": 60,
		"room_id": "r1", "group_ids": []string{"g1"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]any](t, w)["id"].(string)
}

func (s *testServer) activate(t *testing.T, sessionID string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/qr/activate", bearer(t, "prof", auth.RoleProfessor), gin.H{"mode": "STUDENT_SCAN"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[map[string]any](t, w)["token"].(string)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/sessions/x", "", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodPost, "/v1/rooms", bearer(t, "alice", auth.RoleStudent), gin.H{"id": "r1"}).Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSessionConflict(t *testing.T) {
	s := newTestServer(t)
	first := s.scheduled(t)

	w := s.do(t, http.MethodPost, "/v1/sessions", bearer(t, "prof2", auth.RoleProfessor), gin.H{
		"title": "Physics", "starts_at": start.Add(30 * time.Minute), "duration_minutes": 60,
		"room_id": "r1", "group_ids": []string{"g1"},
	})
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "room_conflict", resp.Code)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, "r1", resp.Conflict.RoomID)
	assert.Equal(t, first, resp.Conflict.SessionID)

	// back-to-back is fine
	w = s.do(t, http.MethodPost, "/v1/sessions", bearer(t, "prof2", auth.RoleProfessor), gin.H{
		"title": "Physics", "starts_at": start.Add(time.Hour), "duration_minutes": 60,
		"room_id": "r1", "group_ids": []string{"g1"},
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRoomAvailability(t *testing.T) {
	s := newTestServer(t)
	s.scheduled(t)
	admin := bearer(t, "admin", auth.RoleAdmin)
	require.Equal(t, http.StatusCreated,
		s.do(t, http.MethodPost, "/v1/rooms", admin, gin.H{"id": "r2", "name": "Lab", "capacity": 10}).Code)

	q := "?start=2026-03-02T09:30:00Z&end=2026-03-02T10:30:00Z"
	w := s.do(t, http.MethodGet, "/v1/rooms/available"+q, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Rooms []struct {
			ID string `json:"id"`
		} `json:"rooms"`
	}](t, w)
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "r2", body.Rooms[0].ID)

	w = s.do(t, http.MethodGet, "/v1/rooms/r1/availability"+q, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["available"])

	w = s.do(t, http.MethodGet, "/v1/rooms/available?start=bad&end=2026-03-02T10:30:00Z", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/rooms/r1/busy?from=2026-03-02T00:00:00Z&to=2026-03-03T00:00:00Z", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string]any](t, w)["busy"], 1)
}

func TestScanLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	s.clock.Set(start.Add(time.Minute))
	token := s.activate(t, id)
	alice := bearer(t, "alice", auth.RoleStudent)

	s.clock.Set(start.Add(2 * time.Minute))
	w := s.do(t, http.MethodPost, "/v1/scans", alice, gin.H{"token": token})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "PRESENT", decode[map[string]any](t, w)["status"])

	w = s.do(t, http.MethodPost, "/v1/scans", alice, gin.H{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_attendance", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/scans", bearer(t, "mallory", auth.RoleStudent), gin.H{"token": token})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_enrolled", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/scans", alice, gin.H{"token": "garbage"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "invalid_token", decode[ErrorResponse](t, w).Code)

	s.clock.Set(start.Add(6 * time.Minute))
	w = s.do(t, http.MethodPost, "/v1/scans", bearer(t, "bob", auth.RoleStudent), gin.H{"token": token})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "token_expired", decode[ErrorResponse](t, w).Code)
}

func TestScanAfterDeactivate(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	token := s.activate(t, id)

	w := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/qr/deactivate", bearer(t, "prof", auth.RoleProfessor), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/scans", bearer(t, "alice", auth.RoleStudent), gin.H{"token": token})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "scanning_disabled", decode[ErrorResponse](t, w).Code)
}

func TestActivateTwiceNeedsRegenerate(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	old := s.activate(t, id)
	prof := bearer(t, "prof", auth.RoleProfessor)

	w := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/qr/activate", prof, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "token_active", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/qr/regenerate", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, old, decode[map[string]any](t, w)["token"])
}

func TestQRImage(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	prof := bearer(t, "prof", auth.RoleProfessor)

	w := s.do(t, http.MethodGet, "/v1/sessions/"+id+"/qr.png", prof, nil)
	assert.Equal(t, http.StatusLocked, w.Code)

	s.activate(t, id)
	w = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/qr.png", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestFinalizeAndJustify(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	admin := bearer(t, "admin", auth.RoleAdmin)
	prof := bearer(t, "prof", auth.RoleProfessor)

	w := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/attendance", prof, gin.H{"student_id": "alice", "status": "PRESENT"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	s.clock.Set(start.Add(2 * time.Hour))
	w = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/finalize", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["absent"])

	w = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/finalize", admin, nil)
	again := decode[map[string]any](t, w)
	assert.EqualValues(t, 0, again["absent"])
	assert.Equal(t, false, again["finalized"])

	w = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/attendance", prof, gin.H{"student_id": "bob", "status": "PRESENT"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, "/v1/sessions/"+id+"/attendance/bob/justification", bearer(t, "alice", auth.RoleStudent), gin.H{"text": "not mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	require.NoError(t, mw.WriteField("text", "doctor's note"))
	part, err := mw.CreateFormFile("file", "note.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/v1/sessions/"+id+"/attendance/bob/justification", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", bearer(t, "bob", auth.RoleStudent))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec := decode[map[string]any](t, w)
	assert.Equal(t, "ABSENT", rec["status"])
	assert.Equal(t, true, rec["justified"])
	assert.Equal(t, "https://cdn.example/"+id+"_bob", rec["document_ref"])
	assert.Equal(t, []byte("%PDF-1.4"), s.uploader.data)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/attendance", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string]any](t, w)["records"], 2)
}

func TestRequestReconcileQueuesJob(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/v1/reconcile/run", bearer(t, "admin", auth.RoleAdmin), gin.H{"session_id": "s9"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := s.jobs.Consume(ctx)
	require.NoError(t, err)
	msg := <-ch
	assert.Equal(t, queue.TypeReconcileRun, msg.Type)
	var req scheduler.RunRequest
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, "s9", req.SessionID)
	assert.Equal(t, "admin", req.RequestedBy)
}

func TestRescheduleAndDelete(t *testing.T) {
	s := newTestServer(t)
	id := s.scheduled(t)
	prof := bearer(t, "prof", auth.RoleProfessor)

	w := s.do(t, http.MethodPatch, "/v1/sessions/"+id, prof, gin.H{"duration_minutes": 90})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 90, decode[map[string]any](t, w)["duration_minutes"])

	w = s.do(t, http.MethodPatch, "/v1/sessions/"+id, prof, gin.H{"duration_minutes": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/sessions/"+id, prof, nil).Code)
	w = s.do(t, http.MethodGet, "/v1/sessions/"+id, prof, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).Code)
}
