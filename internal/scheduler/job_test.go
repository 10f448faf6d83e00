package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/clock"
	"campusattend/internal/model"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func seed(t *testing.T, st *store.Memory, id string, startsAt time.Time, minutes int) {
	t.Helper()
	require.NoError(t, st.CreateSession(context.Background(), model.Session{
		ID: id, Title: id, StartsAt: startsAt, DurationMinutes: minutes, GroupIDs: []string{"g1"},
	}))
}

func newJob(t *testing.T, st *store.Memory) (*Job, *attendance.Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(at(9, 0))
	svc := attendance.NewService(st, nil, clk, 15*time.Minute, nil)
	return NewJob(st, svc, clk, 30*time.Minute, time.UTC, nil), svc, clk
}

func TestRunAtGracePeriodScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice", "bob", "carol"}))
	seed(t, st, "morning", at(9, 0), 60)
	job, svc, _ := newJob(t, st)

	rec, err := svc.RecordScanAt(ctx, "morning", "alice", "alice", at(9, 0))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, rec.Status)

	// 10:29 is before the 10:30 grace deadline.
	summary, err := job.RunAt(ctx, at(10, 29))
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	summary, err = job.RunAt(ctx, at(10, 35))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Absent)
	assert.Empty(t, summary.Failures)

	s, err := st.GetSession(ctx, "morning")
	require.NoError(t, err)
	assert.True(t, s.AttendanceFinalized)

	summary, err = job.RunAt(ctx, at(19, 0))
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Zero(t, summary.Absent)

	records, err := st.ListRecords(ctx, "morning")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRunAtDeadlineIsInclusive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice"}))
	seed(t, st, "s", at(9, 0), 60)
	job, _, _ := newJob(t, st)

	summary, err := job.RunAt(ctx, at(10, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestRunAtLeavesOtherDaysAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice"}))
	seed(t, st, "yesterday", at(9, 0).AddDate(0, 0, -1), 60)
	seed(t, st, "today", at(8, 0), 60)
	job, _, _ := newJob(t, st)

	summary, err := job.RunAt(ctx, at(12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	old, err := st.GetSession(ctx, "yesterday")
	require.NoError(t, err)
	assert.False(t, old.AttendanceFinalized)
	records, err := st.ListRecords(ctx, "yesterday")
	require.NoError(t, err)
	assert.Empty(t, records)
}

type flakyReconciler struct {
	inner Reconciler
	fail  map[string]bool
}

func (f flakyReconciler) ReconcileAbsences(ctx context.Context, id string, now time.Time) (int, bool, error) {
	if f.fail[id] {
		return 0, false, errors.New("roster service unreachable")
	}
	return f.inner.ReconcileAbsences(ctx, id, now)
}

func TestRunAtIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice", "bob"}))
	seed(t, st, "a", at(8, 0), 60)
	seed(t, st, "b", at(9, 0), 60)
	seed(t, st, "c", at(10, 0), 60)

	clk := clock.NewFake(at(12, 0))
	svc := attendance.NewService(st, nil, clk, 15*time.Minute, nil)
	job := NewJob(st, flakyReconciler{inner: svc, fail: map[string]bool{"b": true}}, clk, 30*time.Minute, time.UTC, nil)

	summary, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 4, summary.Absent)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "b", summary.Failures[0].SessionID)

	b, err := st.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.AttendanceFinalized, "failed session is retried on the next firing")
}

type brokenStore struct {
	store.Store
}

func (brokenStore) ListUnfinalized(context.Context, time.Time, time.Time) ([]model.Session, error) {
	return nil, errors.New("connection refused")
}

func TestRunAtFailsWhenCandidatesUnavailable(t *testing.T) {
	clk := clock.NewFake(at(12, 0))
	job := NewJob(brokenStore{Store: store.NewMemory()}, nil, clk, 30*time.Minute, time.UTC, nil)
	_, err := job.RunOnce(context.Background())
	assert.Error(t, err)
}

type stubLocker struct {
	held     bool
	released int
}

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error { l.released++; return nil }, true, nil
}

func TestRunAtHonoursRunLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice"}))
	seed(t, st, "s", at(9, 0), 60)
	job, _, _ := newJob(t, st)

	locker := &stubLocker{held: true}
	job.WithLock(locker, "reconcile:lock", time.Minute)

	summary, err := job.RunAt(ctx, at(12, 0))
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.Processed)

	locker.held = false
	summary, err = job.RunAt(ctx, at(12, 0))
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, locker.released)
}

func TestRunAtPublishesSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice", "bob"}))
	seed(t, st, "s", at(9, 0), 60)
	job, _, _ := newJob(t, st)
	q := queue.NewInMemory(1)
	job.WithPublisher(q)

	_, err := job.RunAt(ctx, at(12, 0))
	require.NoError(t, err)

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := <-ch
	assert.Equal(t, queue.TypeReconcileSummary, msg.Type)
	var got Summary
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 2, got.Absent)
}

func TestDayBoundsFollowLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	// 23:30 UTC on the 2nd is already the 3rd at UTC+2.
	start, end := day(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, loc), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
