package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
)

// Notification is one externally delivered payment-gateway event, already
// signature-verified by the transport layer.
type Notification struct {
	EventID           string
	EventType         string
	AmountMinorUnits  int64
	Currency          string
	PayerReference    string
	CustomerReference string
	SessionReference  string
}

// Validate checks the fields every notification must carry.
func (notification Notification) Validate() error {
	if strings.TrimSpace(notification.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidNotification)
	}
	if strings.TrimSpace(notification.EventType) == "" {
		return fmt.Errorf("%w: missing event type", ErrInvalidNotification)
	}
	return nil
}

// Outcome classifies what processing a notification did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Failure reasons recorded for manual reconciliation.
const (
	ReasonUnresolvedAccount = "unresolved_account"
	ReasonUnknownAmount     = "unknown_amount"
	ReasonGrantFailed       = "grant_failed"
)

// Result reports the processing outcome of one notification.
type Result struct {
	Outcome        Outcome
	FailureReason  string
	UserID         string
	CreditsGranted int64
}

// EventRecord marks an external event id as seen.
type EventRecord struct {
	EventID          string
	EventType        string
	ProcessedUnixUTC int64
	Success          bool
}

// LogEntry is one row of the gateway activity log, written for every
// notification regardless of outcome.
type LogEntry struct {
	EventID        string
	EventType      string
	Outcome        Outcome
	FailureReason  string
	UserID         string
	AmountMinor    int64
	Currency       string
	CreditsGranted int64
	CreatedUnixUTC int64
}

// PriceKey identifies one purchasable amount.
type PriceKey struct {
	Currency         string
	AmountMinorUnits int64
}

// PriceTable maps exact gateway amounts to credit quantities. Amounts not in
// the table are rejected rather than credited.
type PriceTable struct {
	entries map[PriceKey]int64
}

// NewPriceTable validates and normalizes a price mapping.
func NewPriceTable(entries map[PriceKey]int64) (PriceTable, error) {
	if len(entries) == 0 {
		return PriceTable{}, fmt.Errorf("%w: empty table", ErrInvalidPriceTable)
	}
	normalized := make(map[PriceKey]int64, len(entries))
	for key, creditsGranted := range entries {
		currency := strings.ToLower(strings.TrimSpace(key.Currency))
		if currency == "" || key.AmountMinorUnits <= 0 || creditsGranted <= 0 {
			return PriceTable{}, fmt.Errorf("%w: %s/%d -> %d", ErrInvalidPriceTable, key.Currency, key.AmountMinorUnits, creditsGranted)
		}
		normalized[PriceKey{Currency: currency, AmountMinorUnits: key.AmountMinorUnits}] = creditsGranted
	}
	return PriceTable{entries: normalized}, nil
}

// Lookup resolves a gateway amount to a credit quantity.
func (table PriceTable) Lookup(currency string, amountMinorUnits int64) (int64, bool) {
	creditsGranted, exists := table.entries[PriceKey{
		Currency:         strings.ToLower(strings.TrimSpace(currency)),
		AmountMinorUnits: amountMinorUnits,
	}]
	return creditsGranted, exists
}

// AccountResolver is one strategy for mapping a notification to the paying
// account. Strategies are tried in order; the first hit wins.
type AccountResolver interface {
	Resolve(ctx context.Context, notification Notification) (credits.UserID, bool, error)
}

// CreditGranter is the slice of the credits service the processor needs.
type CreditGranter interface {
	Grant(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, source credits.GrantSource, description string) (credits.Balance, error)
}

// Store is the persistence contract used by Processor. InsertEvent must be an
// atomic insert-if-absent keyed by event id: on a duplicate it returns
// ErrDuplicateEvent and exactly one of two racing inserts wins.
type Store interface {
	InsertEvent(ctx context.Context, record EventRecord) error
	MarkEventOutcome(ctx context.Context, eventID string, success bool) error
	InsertLog(ctx context.Context, entry LogEntry) error
	GetCustomerLink(ctx context.Context, customerReference string) (string, bool, error)
	UpsertCustomerLink(ctx context.Context, customerReference string, userID string) error
}
