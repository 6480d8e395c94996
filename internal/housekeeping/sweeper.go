// Package housekeeping periodically prunes rows that only exist to support
// recent-window decisions: old request-log entries, idle rate-limit counters,
// and expired failed-login records. Correctness of the services does not
// depend on the sweeper running.
package housekeeping

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RequestLogStore prunes the admission request log and counters.
type RequestLogStore interface {
	DeleteRequestEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
	DeleteCountersIdleSince(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

// ThrottleStore prunes expired failed-login records.
type ThrottleStore interface {
	DeleteExpiredBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

// Retention carries how far back each concern keeps rows.
type Retention struct {
	RequestLog  time.Duration
	CounterIdle time.Duration
	FailedLogin time.Duration
}

// ErrInvalidSweeperConfig rejects a sweeper with missing dependencies.
var ErrInvalidSweeperConfig = errors.New("invalid sweeper config")

// Sweeper runs the periodic prune.
type Sweeper struct {
	requests  RequestLogStore
	throttle  ThrottleStore
	retention Retention
	interval  time.Duration
	nowFn     func() int64
	logger    *zap.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(requests RequestLogStore, throttle ThrottleStore, retention Retention, interval time.Duration, now func() int64, logger *zap.Logger) (*Sweeper, error) {
	if requests == nil || throttle == nil || now == nil {
		return nil, ErrInvalidSweeperConfig
	}
	if retention.RequestLog <= 0 || retention.CounterIdle <= 0 || retention.FailedLogin <= 0 || interval <= 0 {
		return nil, ErrInvalidSweeperConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		requests:  requests,
		throttle:  throttle,
		retention: retention,
		interval:  interval,
		nowFn:     now,
		logger:    logger.Named("housekeeping"),
	}, nil
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// SweepOnce prunes each concern with its own cutoff. Failures are logged and
// left for the next cycle.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) {
	now := sweeper.nowFn()

	removedEvents, err := sweeper.requests.DeleteRequestEventsBefore(ctx, now-int64(sweeper.retention.RequestLog/time.Second))
	if err != nil {
		sweeper.logger.Error("request log sweep failed", zap.Error(err))
	}
	removedCounters, err := sweeper.requests.DeleteCountersIdleSince(ctx, now-int64(sweeper.retention.CounterIdle/time.Second))
	if err != nil {
		sweeper.logger.Error("counter sweep failed", zap.Error(err))
	}
	removedLogins, err := sweeper.throttle.DeleteExpiredBefore(ctx, now-int64(sweeper.retention.FailedLogin/time.Second))
	if err != nil {
		sweeper.logger.Error("failed login sweep failed", zap.Error(err))
	}

	if removedEvents+removedCounters+removedLogins > 0 {
		sweeper.logger.Info("housekeeping sweep complete",
			zap.Int64("request_events", removedEvents),
			zap.Int64("counters", removedCounters),
			zap.Int64("failed_logins", removedLogins))
	}
}
