package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubRequestLogStore struct {
	eventCutoff   int64
	counterCutoff int64
	eventErr      error
}

func (store *stubRequestLogStore) DeleteRequestEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	store.eventCutoff = cutoffUnixUTC
	if store.eventErr != nil {
		return 0, store.eventErr
	}
	return 3, nil
}

func (store *stubRequestLogStore) DeleteCountersIdleSince(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	store.counterCutoff = cutoffUnixUTC
	return 1, nil
}

type stubThrottleStore struct {
	cutoff int64
}

func (store *stubThrottleStore) DeleteExpiredBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	store.cutoff = cutoffUnixUTC
	return 2, nil
}

func TestSweepOnceUsesPerConcernCutoffs(test *testing.T) {
	test.Parallel()
	const nowUnix = int64(1_700_000_000)
	requests := &stubRequestLogStore{}
	throttle := &stubThrottleStore{}
	retention := Retention{
		RequestLog:  48 * time.Hour,
		CounterIdle: 24 * time.Hour,
		FailedLogin: 24 * time.Hour,
	}
	sweeper, err := NewSweeper(requests, throttle, retention, time.Hour, func() int64 { return nowUnix }, zap.NewNop())
	if err != nil {
		test.Fatalf("NewSweeper: %v", err)
	}

	sweeper.SweepOnce(context.Background())

	if requests.eventCutoff != nowUnix-48*3600 {
		test.Fatalf("event cutoff = %d, want %d", requests.eventCutoff, nowUnix-48*3600)
	}
	if requests.counterCutoff != nowUnix-24*3600 {
		test.Fatalf("counter cutoff = %d, want %d", requests.counterCutoff, nowUnix-24*3600)
	}
	if throttle.cutoff != nowUnix-24*3600 {
		test.Fatalf("failed login cutoff = %d, want %d", throttle.cutoff, nowUnix-24*3600)
	}
}

func TestSweepOnceContinuesPastFailures(test *testing.T) {
	test.Parallel()
	requests := &stubRequestLogStore{eventErr: errors.New("boom")}
	throttle := &stubThrottleStore{}
	retention := Retention{RequestLog: time.Hour, CounterIdle: time.Hour, FailedLogin: time.Hour}
	sweeper, err := NewSweeper(requests, throttle, retention, time.Hour, func() int64 { return 1000 }, zap.NewNop())
	if err != nil {
		test.Fatalf("NewSweeper: %v", err)
	}

	sweeper.SweepOnce(context.Background())

	if throttle.cutoff == 0 {
		test.Fatal("throttle sweep skipped after request log failure")
	}
}

func TestNewSweeperRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	retention := Retention{RequestLog: time.Hour, CounterIdle: time.Hour, FailedLogin: time.Hour}
	if _, err := NewSweeper(nil, &stubThrottleStore{}, retention, time.Hour, func() int64 { return 0 }, nil); !errors.Is(err, ErrInvalidSweeperConfig) {
		test.Fatalf("err = %v, want ErrInvalidSweeperConfig", err)
	}
	if _, err := NewSweeper(&stubRequestLogStore{}, &stubThrottleStore{}, Retention{}, time.Hour, func() int64 { return 0 }, nil); !errors.Is(err, ErrInvalidSweeperConfig) {
		test.Fatalf("err = %v, want ErrInvalidSweeperConfig", err)
	}
}
