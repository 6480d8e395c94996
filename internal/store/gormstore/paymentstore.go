package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/payments"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectEvent    = "payment_event"
	errorSubjectLog      = "payment_log"
	errorSubjectCustomer = "gateway_customer"
	errorCodeDuplicate   = "duplicate"
	errorCodeUpsert      = "upsert"

	emptyDetailJSON = "{}"
)

// PaymentStore implements payments.Store using GORM.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// InsertEvent records an event id as seen. The primary key on event_id makes
// this an atomic insert-if-absent: a racing duplicate delivery surfaces as
// payments.ErrDuplicateEvent.
func (store *PaymentStore) InsertEvent(ctx context.Context, record payments.EventRecord) error {
	row := PaymentEvent{
		EventID:     record.EventID,
		EventType:   record.EventType,
		ProcessedAt: time.Unix(record.ProcessedUnixUTC, 0).UTC(),
		Success:     record.Success,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapPaymentError(errorSubjectEvent, errorCodeDuplicate, payments.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapPaymentError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// MarkEventOutcome stores whether side effects were applied for the event.
func (store *PaymentStore) MarkEventOutcome(ctx context.Context, eventID string, success bool) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentEvent{}).
		Where("event_id = ?", eventID).
		Update("success", success)
	if result.Error != nil {
		return wrapPaymentError(errorSubjectEvent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapPaymentError(errorSubjectEvent, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertLog appends one gateway activity row.
func (store *PaymentStore) InsertLog(ctx context.Context, entry payments.LogEntry) error {
	row := PaymentLog{
		EventID:       entry.EventID,
		EventType:     entry.EventType,
		Outcome:       string(entry.Outcome),
		FailureReason: entry.FailureReason,
		UserID:        entry.UserID,
		AmountMinor:   entry.AmountMinor,
		Currency:      entry.Currency,
		Credits:       entry.CreditsGranted,
		Detail:        datatypes.JSON([]byte(emptyDetailJSON)),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapPaymentError(errorSubjectLog, errorCodeInsert, err)
	}
	return nil
}

// GetCustomerLink resolves a gateway customer id to a user id.
func (store *PaymentStore) GetCustomerLink(ctx context.Context, customerReference string) (string, bool, error) {
	var link GatewayCustomer
	err := store.db.WithContext(ctx).
		Where("customer_id = ?", customerReference).
		Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapPaymentError(errorSubjectCustomer, errorCodeGet, err)
	}
	return link.UserID, true, nil
}

// UpsertCustomerLink stores or refreshes the customer mapping.
func (store *PaymentStore) UpsertCustomerLink(ctx context.Context, customerReference string, userID string) error {
	link := GatewayCustomer{CustomerID: customerReference, UserID: userID}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "updated_at"}),
		}).
		Create(&link).Error
	if err != nil {
		return wrapPaymentError(errorSubjectCustomer, errorCodeUpsert, err)
	}
	return nil
}

func wrapPaymentError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
