package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron fires a Job on a cron expression.
type Cron struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewCron schedules job on spec (standard five-field syntax) in loc. Overlapping
// firings are skipped and panics recovered.
func NewCron(job *Job, spec string, loc *time.Location, timeout time.Duration, log *zap.Logger) (*Cron, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{s: log.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		// errors are logged by the job
		_, _ = job.RunOnce(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return &Cron{cron: c, log: log}, nil
}

// Start begins firing in the background.
func (c *Cron) Start() {
	c.cron.Start()
	for _, e := range c.cron.Entries() {
		c.log.Info("reconcile scheduled", zap.Time("next", e.Next))
	}
}

// Stop stops new firings and waits for a running pass, or for ctx to end.
func (c *Cron) Stop(ctx context.Context) error {
	select {
	case <-c.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes the cron library's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
