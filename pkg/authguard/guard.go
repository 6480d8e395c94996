// Package authguard locks out an (email, origin) pair after repeated failed
// authentication attempts.
package authguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FailedLogin is the stored counter for one (email, ip) pair.
type FailedLogin struct {
	Email           string
	IPAddress       string
	AttemptCount    int64
	LastAttemptUnix int64
	BlockedUntil    int64
}

// Store is the persistence contract used by Guard. Get inside WithTx must
// lock the row so two concurrent failures cannot both read the same count.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Get(ctx context.Context, email string, ipAddress string) (FailedLogin, bool, error)
	Save(ctx context.Context, record FailedLogin) error
	Delete(ctx context.Context, email string, ipAddress string) error
}

// Domain-level error values.
var (
	ErrAccountBlocked     = errors.New("account blocked")
	ErrInvalidKey         = errors.New("invalid throttle key")
	ErrInvalidGuardConfig = errors.New("invalid guard config")
)

const (
	// DefaultThreshold is the failure count that trips the lockout.
	DefaultThreshold = 5
	// DefaultCooldown is how long the pair stays blocked.
	DefaultCooldown = 15 * time.Minute
)

// Guard is the failed-auth penalty box: ok -> failures accumulate ->
// blocked -> cooldown elapses -> ok.
type Guard struct {
	store     Store
	threshold int64
	cooldown  time.Duration
	nowFn     func() int64
	logger    *zap.Logger
}

// NewGuard wires a Guard. Zero threshold or cooldown select the defaults.
func NewGuard(store Store, threshold int64, cooldown time.Duration, now func() int64, logger *zap.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidGuardConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidGuardConfig)
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	if threshold < 0 || cooldown < 0 {
		return nil, fmt.Errorf("%w: negative threshold or cooldown", ErrInvalidGuardConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		nowFn:     now,
		logger:    logger.Named("authguard"),
	}, nil
}

// IsBlocked reports whether the pair is inside an active cooldown window.
func (guard *Guard) IsBlocked(ctx context.Context, email string, ipAddress string) (bool, error) {
	normalizedEmail, normalizedIP, err := normalizeKey(email, ipAddress)
	if err != nil {
		return false, err
	}
	record, found, err := guard.store.Get(ctx, normalizedEmail, normalizedIP)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return record.BlockedUntil > guard.nowFn(), nil
}

// RecordFailure increments the pair's failure count and starts the cooldown
// once the threshold is reached.
func (guard *Guard) RecordFailure(ctx context.Context, email string, ipAddress string) error {
	normalizedEmail, normalizedIP, err := normalizeKey(email, ipAddress)
	if err != nil {
		return err
	}
	var blocked bool
	err = guard.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := guard.nowFn()
		record, found, err := transactionStore.Get(ctx, normalizedEmail, normalizedIP)
		if err != nil {
			return err
		}
		if !found {
			record = FailedLogin{Email: normalizedEmail, IPAddress: normalizedIP}
		}
		record.AttemptCount++
		record.LastAttemptUnix = now
		if record.AttemptCount >= guard.threshold {
			record.BlockedUntil = now + int64(guard.cooldown/time.Second)
			blocked = true
		}
		return transactionStore.Save(ctx, record)
	})
	if err != nil {
		return err
	}
	if blocked {
		guard.logger.Warn("auth throttle engaged",
			zap.String("email", normalizedEmail),
			zap.String("ip_address", normalizedIP))
	}
	return nil
}

// ClearOnSuccess removes the pair's record after a successful login.
func (guard *Guard) ClearOnSuccess(ctx context.Context, email string, ipAddress string) error {
	normalizedEmail, normalizedIP, err := normalizeKey(email, ipAddress)
	if err != nil {
		return err
	}
	return guard.store.Delete(ctx, normalizedEmail, normalizedIP)
}

func normalizeKey(email string, ipAddress string) (string, string, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	normalizedIP := strings.TrimSpace(ipAddress)
	if normalizedEmail == "" || normalizedIP == "" {
		return "", "", fmt.Errorf("%w: email and ip are required", ErrInvalidKey)
	}
	return normalizedEmail, normalizedIP, nil
}
