package credits

import (
	"context"
	"fmt"
	"strings"
)

// CreditAmount is a positive quantity of credits.
type CreditAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// GrantSource describes where granted credits came from.
type GrantSource string

const (
	SourcePurchase GrantSource = "purchase"
	SourceBonus    GrantSource = "bonus"
	SourceRefund   GrantSource = "refund"
)

// ParseGrantSource validates a raw source string.
func ParseGrantSource(raw string) (GrantSource, error) {
	switch GrantSource(strings.TrimSpace(raw)) {
	case SourcePurchase:
		return SourcePurchase, nil
	case SourceBonus:
		return SourceBonus, nil
	case SourceRefund:
		return SourceRefund, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGrantSource, raw)
}

// String returns the source name.
func (source GrantSource) String() string {
	return string(source)
}

// TransactionType enumerates ledger row kinds.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionBonus    TransactionType = "bonus"
	TransactionRefund   TransactionType = "refund"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionUsage:
		return TransactionUsage, nil
	case TransactionBonus:
		return TransactionBonus, nil
	case TransactionRefund:
		return TransactionRefund, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// transactionTypeForSource maps a grant source to its ledger row type.
func transactionTypeForSource(source GrantSource) TransactionType {
	switch source {
	case SourcePurchase:
		return TransactionPurchase
	case SourceRefund:
		return TransactionRefund
	default:
		return TransactionBonus
	}
}

// Balance is the spendable view of an account.
type Balance struct {
	PaidCredits  int64
	BonusCredits int64
}

// Total returns the spendable balance.
func (balance Balance) Total() int64 {
	return balance.PaidCredits + balance.BonusCredits
}

// Account is the stored credit account record.
type Account struct {
	AccountID        string
	UserID           string
	PaidCredits      int64
	BonusCredits     int64
	FreeUsedToday    int64
	LastFreeResetDay string
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	AccountID      string
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	Description    string
	CreatedUnixUTC int64
}

// TransactionInput carries the fields the store persists for a new ledger row.
type TransactionInput struct {
	AccountID      string
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	Description    string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// serialize GetAccountForUpdate against concurrent mutation of the same
// account within WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	UpdateBalances(ctx context.Context, accountID string, paidCredits int64, bonusCredits int64) error
	UpdateFreeAllowance(ctx context.Context, accountID string, freeUsedToday int64, lastFreeResetDay string) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]Transaction, error)
	SumTransactions(ctx context.Context, accountID string) (int64, error)
}
