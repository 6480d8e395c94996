package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/authguard"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectFailedLogin = "failed_login"
	errorCodeDelete         = "delete"
	errorCodeSave           = "save"
)

// AuthStore implements authguard.Store using GORM.
type AuthStore struct {
	db *gorm.DB
}

// NewAuthStore returns an AuthStore backed by gorm.DB.
func NewAuthStore(db *gorm.DB) *AuthStore {
	return &AuthStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *AuthStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore authguard.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &AuthStore{db: transaction})
	})
}

// Get fetches the failure record for the pair, locking it inside a
// transaction so concurrent failures serialize.
func (store *AuthStore) Get(ctx context.Context, email string, ipAddress string) (authguard.FailedLogin, bool, error) {
	var row FailedLogin
	err := rowLock(store.db.WithContext(ctx)).
		Where("email = ? AND ip_address = ?", email, ipAddress).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return authguard.FailedLogin{}, false, nil
	}
	if err != nil {
		return authguard.FailedLogin{}, false, wrapAuthError(errorCodeGet, err)
	}
	record := authguard.FailedLogin{
		Email:           row.Email,
		IPAddress:       row.IPAddress,
		AttemptCount:    row.AttemptCount,
		LastAttemptUnix: row.LastAttempt.Unix(),
	}
	if row.BlockedUntil != nil {
		record.BlockedUntil = row.BlockedUntil.Unix()
	}
	return record, true, nil
}

// Save upserts the failure record for the pair.
func (store *AuthStore) Save(ctx context.Context, record authguard.FailedLogin) error {
	row := FailedLogin{
		Email:        record.Email,
		IPAddress:    record.IPAddress,
		AttemptCount: record.AttemptCount,
		LastAttempt:  time.Unix(record.LastAttemptUnix, 0).UTC(),
	}
	if record.BlockedUntil != 0 {
		blockedUntil := time.Unix(record.BlockedUntil, 0).UTC()
		row.BlockedUntil = &blockedUntil
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}, {Name: "ip_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"attempt_count", "last_attempt", "blocked_until"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapAuthError(errorCodeSave, err)
	}
	return nil
}

// Delete removes the record for the pair.
func (store *AuthStore) Delete(ctx context.Context, email string, ipAddress string) error {
	err := store.db.WithContext(ctx).
		Where("email = ? AND ip_address = ?", email, ipAddress).
		Delete(&FailedLogin{}).Error
	if err != nil {
		return wrapAuthError(errorCodeDelete, err)
	}
	return nil
}

// DeleteExpiredBefore drops records whose block and last attempt both predate
// the cutoff.
func (store *AuthStore) DeleteExpiredBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("last_attempt < ? AND (blocked_until IS NULL OR blocked_until < ?)", cutoff, cutoff).
		Delete(&FailedLogin{})
	if result.Error != nil {
		return 0, wrapAuthError(errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapAuthError(code string, err error) error {
	return credits.WrapError(errorOperationStore, errorSubjectFailedLogin, code, err)
}
