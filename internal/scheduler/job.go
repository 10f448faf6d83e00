// Package scheduler finalizes attendance for sessions whose grace period has elapsed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/clock"
	"campusattend/internal/logger"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// Reconciler finalizes a single session. finalized is false when the session was already final.
type Reconciler interface {
	ReconcileAbsences(ctx context.Context, sessionID string, now time.Time) (absent int, finalized bool, err error)
}

// Locker hands out a lock shared by every worker replica.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Failure describes a session that could not be reconciled.
type Failure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	RunAt     time.Time `json:"run_at"`
	Processed int       `json:"sessions_processed"`
	Absent    int       `json:"students_marked_absent"`
	Failures  []Failure `json:"failures,omitempty"`
	// Skipped is set when another replica holds the run lock.
	Skipped bool `json:"skipped,omitempty"`
}

// Job selects today's due sessions and reconciles each of them.
type Job struct {
	store   store.Store
	rec     Reconciler
	clock   clock.Clock
	grace   time.Duration
	loc     *time.Location
	locker  Locker
	lockKey string
	lockTTL time.Duration
	events  queue.Publisher
	log     *zap.Logger
}

// NewJob creates a job. loc decides where a calendar day begins and ends.
func NewJob(st store.Store, rec Reconciler, clk clock.Clock, grace time.Duration, loc *time.Location, log *zap.Logger) *Job {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{store: st, rec: rec, clock: clk, grace: grace, loc: loc, log: log}
}

// WithLock makes every pass take key first; a pass that cannot get it is skipped.
func (j *Job) WithLock(l Locker, key string, ttl time.Duration) *Job {
	j.locker, j.lockKey, j.lockTTL = l, key, ttl
	return j
}

// WithPublisher publishes each summary as a reconcile.summary message.
func (j *Job) WithPublisher(p queue.Publisher) *Job {
	j.events = p
	return j
}

// RunOnce performs a pass at the current time.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	return j.RunAt(ctx, j.clock.Now())
}

// RunAt performs a pass as if the current time were now. Per-session failures are
// collected in the summary; only a failure to select candidates returns an error.
func (j *Job) RunAt(ctx context.Context, now time.Time) (Summary, error) {
	began := time.Now()
	summary := Summary{RunAt: now}

	if j.locker != nil {
		release, ok, err := j.locker.TryLock(ctx, j.lockKey, j.lockTTL)
		if err != nil {
			metrics.ReconcileRuns.WithLabelValues("failed").Inc()
			j.log.Error("reconcile run lock failed", zap.Error(err))
			return summary, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			summary.Skipped = true
			metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
			j.log.Info("reconcile run skipped, lock held elsewhere", zap.String("lock", j.lockKey))
			return summary, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.log.Warn("release run lock failed", zap.Error(err))
			}
		}()
	}

	dayStart, dayEnd := day(now, j.loc)
	candidates, err := j.store.ListUnfinalized(ctx, dayStart, dayEnd)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		j.log.Error("reconcile run aborted, cannot list sessions", zap.Error(err))
		return summary, fmt.Errorf("list unfinalized sessions: %w", err)
	}

	for _, s := range candidates {
		if s.GraceDeadline(j.grace).After(now) {
			continue
		}
		n, finalized, err := j.rec.ReconcileAbsences(ctx, s.ID, now)
		if err != nil {
			summary.Failures = append(summary.Failures, Failure{SessionID: s.ID, Error: err.Error()})
			j.log.Error("reconcile session failed",
				zap.String(logger.FieldSessionID, s.ID),
				zap.Error(err))
			continue
		}
		// finalized concurrently by someone else
		if !finalized {
			continue
		}
		summary.Processed++
		summary.Absent += n
	}

	j.emit(ctx, summary, time.Since(began))
	return summary, nil
}

func (j *Job) emit(ctx context.Context, summary Summary, took time.Duration) {
	result := "ok"
	if len(summary.Failures) > 0 {
		result = "partial"
	}
	metrics.ReconcileRuns.WithLabelValues(result).Inc()
	metrics.ReconcileDuration.Observe(took.Seconds())

	j.log.Info("reconcile run finished",
		zap.String(logger.FieldOperation, "reconcile"),
		zap.Time("run_at", summary.RunAt),
		zap.Int("sessions_processed", summary.Processed),
		zap.Int("students_marked_absent", summary.Absent),
		zap.Int("failures", len(summary.Failures)),
		zap.Duration("took", took))

	if j.events == nil {
		return
	}
	msg, err := queue.NewJSON(queue.TypeReconcileSummary, summary)
	if err == nil {
		err = j.events.Publish(ctx, msg)
	}
	if err != nil {
		j.log.Warn("publish reconcile summary failed", zap.Error(err))
	}
}

// day returns the bounds of the calendar day containing now in loc.
func day(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
