package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	AccountID        string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index:idx_accounts_user,unique"`
	PaidCredits      int64     `gorm:"not null;default:0"`
	BonusCredits     int64     `gorm:"not null;default:0"`
	FreeUsedToday    int64     `gorm:"not null;default:0"`
	LastFreeResetDay string    `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

func (account *CreditAccount) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions ledger table. Rows are
// append-only; there are no update or delete paths.
type CreditTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Description   string    `gorm:"not null;default:''"`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PaymentEvent is the idempotency seen-set for gateway notifications.
type PaymentEvent struct {
	EventID     string    `gorm:"primaryKey"`
	EventType   string    `gorm:"not null"`
	ProcessedAt time.Time `gorm:"not null"`
	Success     bool      `gorm:"not null;default:false"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// PaymentLog records every delivered notification regardless of outcome,
// for reconciling gateway activity against the ledger.
type PaymentLog struct {
	LogID         string         `gorm:"type:uuid;primaryKey"`
	EventID       string         `gorm:"not null;index"`
	EventType     string         `gorm:"not null"`
	Outcome       string         `gorm:"not null"`
	FailureReason string         `gorm:"not null;default:''"`
	UserID        string         `gorm:"not null;default:''"`
	AmountMinor   int64          `gorm:"not null;default:0"`
	Currency      string         `gorm:"not null;default:''"`
	Credits       int64          `gorm:"not null;default:0"`
	Detail        datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (PaymentLog) TableName() string { return "payment_logs" }

func (entry *PaymentLog) BeforeCreate(tx *gorm.DB) error {
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	return nil
}

// GatewayCustomer maps an external payment-customer id to a user.
type GatewayCustomer struct {
	CustomerID string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (GatewayCustomer) TableName() string { return "gateway_customers" }

// RequestEvent is one logged metered-request attempt; the admission decision
// counts these over trailing windows.
type RequestEvent struct {
	EventID        string    `gorm:"type:uuid;primaryKey"`
	Identifier     string    `gorm:"not null;index:idx_request_events_identity,priority:1"`
	IdentifierType string    `gorm:"not null;index:idx_request_events_identity,priority:2"`
	Status         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_request_events_identity,priority:3"`
}

func (RequestEvent) TableName() string { return "request_events" }

func (event *RequestEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// RateLimitCounter is the fixed-window counter kept for observability; the
// admission decision never reads it.
type RateLimitCounter struct {
	Identifier     string    `gorm:"primaryKey"`
	IdentifierType string    `gorm:"primaryKey"`
	RequestsCount  int64     `gorm:"not null;default:0"`
	WindowStart    time.Time `gorm:"not null"`
	LastRequest    time.Time `gorm:"not null"`
}

func (RateLimitCounter) TableName() string { return "rate_limit_counters" }

// FailedLogin tracks authentication failures per (email, ip) pair.
type FailedLogin struct {
	Email        string     `gorm:"primaryKey"`
	IPAddress    string     `gorm:"primaryKey"`
	AttemptCount int64      `gorm:"not null;default:0"`
	LastAttempt  time.Time  `gorm:"not null"`
	BlockedUntil *time.Time `gorm:""`
}

func (FailedLogin) TableName() string { return "failed_logins" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&CreditAccount{},
		&CreditTransaction{},
		&PaymentEvent{},
		&PaymentLog{},
		&GatewayCustomer{},
		&RequestEvent{},
		&RateLimitCounter{},
		&FailedLogin{},
	}
}
