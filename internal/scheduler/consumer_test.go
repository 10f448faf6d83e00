package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/queue"
	"campusattend/internal/store"
)

func nextSummary(t *testing.T, ch <-chan queue.Message) Summary {
	t.Helper()
	select {
	case msg := <-ch:
		require.Equal(t, queue.TypeReconcileSummary, msg.Type)
		var s Summary
		require.NoError(t, msg.Decode(&s))
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no summary published")
		return Summary{}
	}
}

func TestServeHandlesRunRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice", "bob"}))
	seed(t, st, "early", at(8, 0), 60)
	seed(t, st, "late", at(18, 0), 60)

	job, _, clk := newJob(t, st)
	clk.Set(at(9, 45))
	events := queue.NewInMemory(4)
	job.WithPublisher(events)
	jobs := queue.NewInMemory(4)

	done := make(chan error, 1)
	go func() { done <- job.Serve(ctx, jobs) }()
	summaries, err := events.Consume(ctx)
	require.NoError(t, err)

	// unrelated and malformed messages are skipped
	require.NoError(t, jobs.Publish(ctx, queue.Message{Type: queue.TypeAttendanceRecorded, Body: []byte(`{}`)}))
	require.NoError(t, jobs.Publish(ctx, queue.Message{Type: queue.TypeReconcileRun, Body: []byte(`not json`)}))

	full, err := queue.NewJSON(queue.TypeReconcileRun, RunRequest{RequestedBy: "admin"})
	require.NoError(t, err)
	require.NoError(t, jobs.Publish(ctx, full))
	s := nextSummary(t, summaries)
	assert.Equal(t, 1, s.Processed, "only the session past its grace deadline")
	assert.Equal(t, 2, s.Absent)

	one, err := queue.NewJSON(queue.TypeReconcileRun, RunRequest{SessionID: "late", RequestedBy: "admin"})
	require.NoError(t, err)
	require.NoError(t, jobs.Publish(ctx, one))
	s = nextSummary(t, summaries)
	assert.Equal(t, 1, s.Processed, "explicit requests ignore the deadline")
	assert.Equal(t, 2, s.Absent)

	missing, err := queue.NewJSON(queue.TypeReconcileRun, RunRequest{SessionID: "nope"})
	require.NoError(t, err)
	require.NoError(t, jobs.Publish(ctx, missing))
	s = nextSummary(t, summaries)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "nope", s.Failures[0].SessionID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestFinalizeTwiceCountsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	require.NoError(t, st.SetGroupMembers(ctx, "g1", []string{"alice"}))
	seed(t, st, "s", at(9, 0), 60)
	job, _, _ := newJob(t, st)
	events := queue.NewInMemory(4)
	job.WithPublisher(events)

	first := job.Finalize(ctx, "s")
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 1, first.Absent)

	second := job.Finalize(ctx, "s")
	assert.Zero(t, second.Processed)
	assert.Zero(t, second.Absent)
	assert.Empty(t, second.Failures)

	summaries, err := events.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nextSummary(t, summaries).Processed)
	select {
	case msg := <-summaries:
		t.Fatalf("unexpected second summary: %s", msg.Body)
	case <-time.After(100 * time.Millisecond):
	}
}
