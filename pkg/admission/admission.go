// Package admission gates metered requests against rolling hourly and daily
// quotas computed from a durable request log.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IdentifierType classifies the caller identity being throttled.
type IdentifierType string

const (
	IdentifierIP        IdentifierType = "ip"
	IdentifierUser      IdentifierType = "user"
	IdentifierAnonymous IdentifierType = "anonymous"
)

// ParseIdentifierType validates a raw identifier type.
func ParseIdentifierType(raw string) (IdentifierType, error) {
	switch IdentifierType(strings.TrimSpace(raw)) {
	case IdentifierIP:
		return IdentifierIP, nil
	case IdentifierUser:
		return IdentifierUser, nil
	case IdentifierAnonymous:
		return IdentifierAnonymous, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIdentifierType, raw)
}

// String returns the identifier type name.
func (identifierType IdentifierType) String() string {
	return string(identifierType)
}

// RequestStatus records whether an attempt was admitted.
type RequestStatus string

const (
	StatusAdmitted RequestStatus = "admitted"
	StatusDenied   RequestStatus = "denied"
)

// Decision reports the admission outcome for one attempt.
type Decision struct {
	CanProceed      bool
	HourlyRemaining int64
	DailyRemaining  int64
	ResetAt         time.Time
}

// RequestEvent is one logged request attempt, admitted or denied.
type RequestEvent struct {
	Identifier     string
	IdentifierType IdentifierType
	Status         RequestStatus
	CreatedUnixUTC int64
}

// Limits carries the quota pair for one check.
type Limits struct {
	Hourly int64
	Daily  int64
}

// Validate rejects non-positive quotas.
func (limits Limits) Validate() error {
	if limits.Hourly <= 0 || limits.Daily <= 0 {
		return fmt.Errorf("%w: hourly=%d daily=%d", ErrInvalidLimits, limits.Hourly, limits.Daily)
	}
	return nil
}

// Store is the persistence contract used by Controller. Counts are computed
// from the request log so the windows slide with real time; the counter upsert
// exists for observability only and is never read for the decision.
type Store interface {
	InsertRequestEvent(ctx context.Context, event RequestEvent) error
	CountRequestsSince(ctx context.Context, identifier string, identifierType IdentifierType, sinceUnixUTC int64) (int64, error)
	UpsertCounter(ctx context.Context, identifier string, identifierType IdentifierType, windowStartUnixUTC int64, lastRequestUnixUTC int64) error
}

// Domain-level error values.
var (
	ErrInvalidIdentifierType   = errors.New("invalid identifier type")
	ErrInvalidIdentifier       = errors.New("invalid identifier")
	ErrInvalidLimits           = errors.New("invalid limits")
	ErrInvalidControllerConfig = errors.New("invalid controller config")
)

// Controller decides whether a caller identity may issue another metered
// request.
type Controller struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewController wires a Controller.
func NewController(store Store, now func() int64, logger *zap.Logger) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidControllerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidControllerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, nowFn: now, logger: logger.Named("admission")}, nil
}

// CheckAndRecord counts the identity's attempts over the trailing hour and
// day, records this attempt with its outcome, and returns the decision. The
// count/record pair is deliberately not atomic: a brief race may overshoot
// the quota, which is acceptable for a best-effort throttle.
func (controller *Controller) CheckAndRecord(ctx context.Context, identifier string, identifierType IdentifierType, limits Limits) (Decision, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return Decision{}, fmt.Errorf("%w: empty value", ErrInvalidIdentifier)
	}
	if err := limits.Validate(); err != nil {
		return Decision{}, err
	}

	nowUnixUTC := controller.nowFn()
	hourlyCount, err := controller.store.CountRequestsSince(ctx, trimmed, identifierType, nowUnixUTC-int64(time.Hour/time.Second))
	if err != nil {
		return Decision{}, err
	}
	dailyCount, err := controller.store.CountRequestsSince(ctx, trimmed, identifierType, nowUnixUTC-int64(24*time.Hour/time.Second))
	if err != nil {
		return Decision{}, err
	}

	canProceed := hourlyCount < limits.Hourly && dailyCount < limits.Daily
	status := StatusAdmitted
	if !canProceed {
		status = StatusDenied
	}
	// Denied attempts are logged too; they are signal, not noise.
	if err := controller.store.InsertRequestEvent(ctx, RequestEvent{
		Identifier:     trimmed,
		IdentifierType: identifierType,
		Status:         status,
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return Decision{}, err
	}
	windowStart := time.Unix(nowUnixUTC, 0).UTC().Truncate(time.Hour)
	if err := controller.store.UpsertCounter(ctx, trimmed, identifierType, windowStart.Unix(), nowUnixUTC); err != nil {
		// Observability-only bookkeeping must not fail the decision.
		controller.logger.Warn("counter upsert failed",
			zap.String("identifier", trimmed),
			zap.String("identifier_type", identifierType.String()),
			zap.Error(err))
	}

	if canProceed {
		hourlyCount++
		dailyCount++
	}
	decision := Decision{
		CanProceed:      canProceed,
		HourlyRemaining: remainingQuota(limits.Hourly, hourlyCount),
		DailyRemaining:  remainingQuota(limits.Daily, dailyCount),
		ResetAt:         windowStart.Add(time.Hour),
	}
	if !canProceed {
		controller.logger.Info("request denied by admission control",
			zap.String("identifier", trimmed),
			zap.String("identifier_type", identifierType.String()),
			zap.Int64("hourly_count", hourlyCount),
			zap.Int64("daily_count", dailyCount))
	}
	return decision, nil
}

func remainingQuota(limit int64, count int64) int64 {
	remaining := limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}
