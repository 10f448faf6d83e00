package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/logger"
	"campusattend/internal/queue"
)

// RunRequest is the body of a reconcile.run message. An empty SessionID asks for a full pass.
type RunRequest struct {
	SessionID   string    `json:"session_id,omitempty"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Finalize reconciles one session immediately, regardless of its grace deadline.
// A session that is already finalized yields an empty summary that is neither counted nor published.
func (j *Job) Finalize(ctx context.Context, sessionID string) Summary {
	began := time.Now()
	summary := Summary{RunAt: j.clock.Now()}
	n, finalized, err := j.rec.ReconcileAbsences(ctx, sessionID, summary.RunAt)
	switch {
	case err != nil:
		summary.Failures = []Failure{{SessionID: sessionID, Error: err.Error()}}
		j.log.Error("reconcile session failed", zap.String(logger.FieldSessionID, sessionID), zap.Error(err))
	case !finalized:
		j.log.Info("session already finalized", zap.String(logger.FieldSessionID, sessionID))
		return summary
	default:
		summary.Processed, summary.Absent = 1, n
	}
	j.emit(ctx, summary, time.Since(began))
	return summary
}

// Serve handles reconcile.run messages from q until ctx ends. Other message types are ignored.
func (j *Job) Serve(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	j.log.Info("waiting for reconcile requests")
	for msg := range msgs {
		if msg.Type != queue.TypeReconcileRun {
			j.log.Debug("ignoring message", zap.String("type", msg.Type))
			continue
		}
		var req RunRequest
		if err := msg.Decode(&req); err != nil {
			j.log.Warn("dropping malformed reconcile request", zap.Error(err))
			continue
		}
		j.log.Info("reconcile requested",
			zap.String(logger.FieldActor, req.RequestedBy),
			zap.String(logger.FieldSessionID, req.SessionID))
		if req.SessionID != "" {
			j.Finalize(ctx, req.SessionID)
			continue
		}
		// errors are logged by the job
		_, _ = j.RunOnce(ctx)
	}
	return ctx.Err()
}
