package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/admission"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectRequestLog = "request_log"
	errorSubjectCounter    = "rate_limit_counter"
	errorCodeCount         = "count"
	errorCodeSweep         = "sweep"
)

// AdmissionStore implements admission.Store using GORM.
type AdmissionStore struct {
	db *gorm.DB
}

// NewAdmissionStore returns an AdmissionStore backed by gorm.DB.
func NewAdmissionStore(db *gorm.DB) *AdmissionStore {
	return &AdmissionStore{db: db}
}

// InsertRequestEvent appends one attempt to the request log.
func (store *AdmissionStore) InsertRequestEvent(ctx context.Context, event admission.RequestEvent) error {
	row := RequestEvent{
		Identifier:     event.Identifier,
		IdentifierType: event.IdentifierType.String(),
		Status:         string(event.Status),
		CreatedAt:      time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapAdmissionError(errorSubjectRequestLog, errorCodeInsert, err)
	}
	return nil
}

// CountRequestsSince counts logged attempts for the identity in the trailing
// window. This is the sliding-window count the admission decision uses.
func (store *AdmissionStore) CountRequestsSince(ctx context.Context, identifier string, identifierType admission.IdentifierType, sinceUnixUTC int64) (int64, error) {
	var count sqlCount
	err := store.db.WithContext(ctx).
		Model(&RequestEvent{}).
		Select("count(*) as total").
		Where("identifier = ? AND identifier_type = ? AND created_at >= ?",
			identifier, identifierType.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Scan(&count).Error
	if err != nil {
		return 0, wrapAdmissionError(errorSubjectRequestLog, errorCodeCount, err)
	}
	return count.Total, nil
}

// UpsertCounter maintains the fixed-window counter row. Observability only;
// the decision path never reads it.
func (store *AdmissionStore) UpsertCounter(ctx context.Context, identifier string, identifierType admission.IdentifierType, windowStartUnixUTC int64, lastRequestUnixUTC int64) error {
	windowStart := time.Unix(windowStartUnixUTC, 0).UTC()
	lastRequest := time.Unix(lastRequestUnixUTC, 0).UTC()
	counter := RateLimitCounter{
		Identifier:     identifier,
		IdentifierType: identifierType.String(),
		RequestsCount:  1,
		WindowStart:    windowStart,
		LastRequest:    lastRequest,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}, {Name: "identifier_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"requests_count": gorm.Expr(
					"CASE WHEN rate_limit_counters.window_start = ? THEN rate_limit_counters.requests_count + 1 ELSE 1 END",
					windowStart),
				"window_start": windowStart,
				"last_request": lastRequest,
			}),
		}).
		Create(&counter).Error
	if err != nil {
		return wrapAdmissionError(errorSubjectCounter, errorCodeUpsert, err)
	}
	return nil
}

// DeleteRequestEventsBefore drops request-log rows older than the cutoff.
func (store *AdmissionStore) DeleteRequestEventsBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("created_at < ?", time.Unix(cutoffUnixUTC, 0).UTC()).
		Delete(&RequestEvent{})
	if result.Error != nil {
		return 0, wrapAdmissionError(errorSubjectRequestLog, errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteCountersIdleSince drops counter rows whose last request predates the
// cutoff.
func (store *AdmissionStore) DeleteCountersIdleSince(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("last_request < ?", time.Unix(cutoffUnixUTC, 0).UTC()).
		Delete(&RateLimitCounter{})
	if result.Error != nil {
		return 0, wrapAdmissionError(errorSubjectCounter, errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapAdmissionError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
