package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/roomsync/platform/pkg/common/logger"
)

// Scheduler runs the job on a cron expression in UTC.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       *Job
	timeout   time.Duration
}

func NewScheduler(job *Job, cronExpr string, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	s := &Scheduler{scheduler: gocron.NewScheduler(time.UTC), job: job, timeout: timeout}
	s.scheduler.SingletonModeAll()
	if _, err := s.scheduler.Cron(cronExpr).Tag("keepalive").Do(s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	summary, err := s.job.Run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.Log.Info("keep-alive skipped, another replica is running it")
	case err != nil:
		logger.Log.WithError(err).Error("scheduled keep-alive failed")
	default:
		logger.Log.WithField("failed", summary.FailureCount).Debug("scheduled keep-alive finished")
	}
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}
