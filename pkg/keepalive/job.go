package keepalive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/observability/metrics"
)

const lockKey = "roomsync:keepalive:lock"

var ErrRunInProgress = errors.New("keep-alive run already in progress")

// Store is the slice of the connection repository the job needs.
type Store interface {
	ListDormant(ctx context.Context, cutoff time.Time) ([]models.Connection, error)
	MarkError(ctx context.Context, connectionID, reason string) error
	TouchTokenUse(ctx context.Context, connectionID string, at time.Time) error
}

type Refresher interface {
	ForceRefresh(ctx context.Context, connectionID string) (string, error)
}

type Options struct {
	Dormancy time.Duration
	LockTTL  time.Duration
	Now      func() time.Time
}

// Job refreshes tokens of connections that have gone quiet so their
// refresh credentials do not expire unused.
type Job struct {
	store     Store
	refresher Refresher
	locker    Locker
	opts      Options
}

func NewJob(store Store, refresher Refresher, locker Locker, opts Options) *Job {
	if opts.Dormancy <= 0 {
		opts.Dormancy = 30 * 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Job{store: store, refresher: refresher, locker: locker, opts: opts}
}

// Run processes dormant connections one at a time. A failing connection is
// marked as errored and the run moves on.
func (j *Job) Run(ctx context.Context) (models.KeepAliveSummary, error) {
	summary := models.KeepAliveSummary{Errors: []models.KeepAliveFailure{}, StartedAt: j.opts.Now().UTC()}

	if j.locker != nil {
		release, acquired, err := j.locker.Acquire(ctx, lockKey, j.opts.LockTTL)
		if err != nil {
			return summary, fmt.Errorf("acquire keep-alive lock: %w", err)
		}
		if !acquired {
			return summary, ErrRunInProgress
		}
		defer release()
	}

	conns, err := j.store.ListDormant(ctx, summary.StartedAt.Add(-j.opts.Dormancy))
	if err != nil {
		return summary, fmt.Errorf("list dormant connections: %w", err)
	}
	summary.TotalConnections = len(conns)

	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			summary.CompletedAt = j.opts.Now().UTC()
			return summary, err
		}
		if err := j.refresh(ctx, conn.ID); err != nil {
			if ctx.Err() != nil {
				// interrupted, not a bad credential
				summary.CompletedAt = j.opts.Now().UTC()
				return summary, ctx.Err()
			}
			summary.FailureCount++
			summary.Errors = append(summary.Errors, models.KeepAliveFailure{ConnectionID: conn.ID, Error: err.Error()})
			metrics.ObserveKeepAlive(false)
			logger.WithConnection(conn.ID).WithError(err).Warn("keep-alive refresh failed")
			if markErr := j.store.MarkError(ctx, conn.ID, err.Error()); markErr != nil {
				logger.WithConnection(conn.ID).WithError(markErr).Error("failed to mark connection as errored")
			}
			continue
		}
		summary.TokensRefreshed++
		metrics.ObserveKeepAlive(true)
		if err := j.store.TouchTokenUse(ctx, conn.ID, j.opts.Now().UTC()); err != nil {
			logger.WithConnection(conn.ID).WithError(err).Warn("failed to record token use")
		}
	}

	summary.CompletedAt = j.opts.Now().UTC()
	logger.WithFields(map[string]interface{}{
		"total":     summary.TotalConnections,
		"refreshed": summary.TokensRefreshed,
		"failed":    summary.FailureCount,
	}).Info("keep-alive run completed")
	return summary, nil
}

func (j *Job) refresh(ctx context.Context, connectionID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during refresh: %v", r)
		}
	}()
	_, err = j.refresher.ForceRefresh(ctx, connectionID)
	return err
}
