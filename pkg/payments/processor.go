package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"go.uber.org/zap"
)

// Processor consumes payment-gateway notifications: deduplicates by event id,
// resolves the paying account, maps the amount to credits, and drives the
// credit grant. Every notification leaves one gateway activity log row.
type Processor struct {
	store     Store
	granter   CreditGranter
	resolvers []AccountResolver
	prices    PriceTable
	nowFn     func() int64
	logger    *zap.Logger
}

// NewProcessor wires a Processor. The default resolver chain tries the
// explicit payer reference first, then the stored customer mapping.
func NewProcessor(store Store, granter CreditGranter, prices PriceTable, now func() int64, logger *zap.Logger) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidProcessorConfig)
	}
	if granter == nil {
		return nil, fmt.Errorf("%w: granter dependency is nil", ErrInvalidProcessorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:   store,
		granter: granter,
		resolvers: []AccountResolver{
			PayerReferenceResolver{},
			NewCustomerLinkResolver(store),
		},
		prices: prices,
		nowFn:  now,
		logger: logger.Named("payments"),
	}, nil
}

// Process runs one notification through the state machine
// received -> (duplicate? skip : processing) -> {applied, failed}.
func (processor *Processor) Process(ctx context.Context, notification Notification) (Result, error) {
	if err := notification.Validate(); err != nil {
		return Result{}, err
	}

	err := processor.store.InsertEvent(ctx, EventRecord{
		EventID:          notification.EventID,
		EventType:        notification.EventType,
		ProcessedUnixUTC: processor.nowFn(),
	})
	if errors.Is(err, ErrDuplicateEvent) {
		result := Result{Outcome: OutcomeDuplicate}
		processor.writeLog(ctx, notification, result)
		processor.logger.Info("duplicate payment event skipped",
			zap.String("event_id", notification.EventID),
			zap.String("event_type", notification.EventType))
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}

	result := processor.apply(ctx, notification)
	if markErr := processor.store.MarkEventOutcome(ctx, notification.EventID, result.Outcome == OutcomeApplied); markErr != nil {
		processor.logger.Error("mark event outcome failed",
			zap.String("event_id", notification.EventID), zap.Error(markErr))
	}
	processor.writeLog(ctx, notification, result)
	return result, nil
}

func (processor *Processor) apply(ctx context.Context, notification Notification) Result {
	userID, resolved, err := resolveAccount(ctx, processor.resolvers, notification)
	if err != nil || !resolved {
		if err != nil {
			processor.logger.Error("account resolution failed",
				zap.String("event_id", notification.EventID), zap.Error(err))
		}
		return Result{Outcome: OutcomeFailed, FailureReason: ReasonUnresolvedAccount}
	}

	creditQuantity, known := processor.prices.Lookup(notification.Currency, notification.AmountMinorUnits)
	if !known {
		processor.logger.Warn("payment amount not in price table",
			zap.String("event_id", notification.EventID),
			zap.String("currency", notification.Currency),
			zap.Int64("amount_minor", notification.AmountMinorUnits))
		return Result{Outcome: OutcomeFailed, FailureReason: ReasonUnknownAmount, UserID: userID.String()}
	}

	amount, err := credits.NewCreditAmount(creditQuantity)
	if err != nil {
		return Result{Outcome: OutcomeFailed, FailureReason: ReasonUnknownAmount, UserID: userID.String()}
	}
	description := describePurchase(notification)
	if _, err := processor.granter.Grant(ctx, userID, amount, credits.SourcePurchase, description); err != nil {
		processor.logger.Error("credit grant failed",
			zap.String("event_id", notification.EventID),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return Result{Outcome: OutcomeFailed, FailureReason: ReasonGrantFailed, UserID: userID.String()}
	}

	processor.logger.Info("payment event applied",
		zap.String("event_id", notification.EventID),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", creditQuantity))
	return Result{Outcome: OutcomeApplied, UserID: userID.String(), CreditsGranted: creditQuantity}
}

// LinkCustomer stores the gateway-customer to user mapping used by the
// fallback resolver on later notifications.
func (processor *Processor) LinkCustomer(ctx context.Context, customerReference string, userID credits.UserID) error {
	trimmed := strings.TrimSpace(customerReference)
	if trimmed == "" {
		return fmt.Errorf("%w: empty customer reference", ErrInvalidCustomerLink)
	}
	return processor.store.UpsertCustomerLink(ctx, trimmed, userID.String())
}

func (processor *Processor) writeLog(ctx context.Context, notification Notification, result Result) {
	entry := LogEntry{
		EventID:        notification.EventID,
		EventType:      notification.EventType,
		Outcome:        result.Outcome,
		FailureReason:  result.FailureReason,
		UserID:         result.UserID,
		AmountMinor:    notification.AmountMinorUnits,
		Currency:       notification.Currency,
		CreditsGranted: result.CreditsGranted,
		CreatedUnixUTC: processor.nowFn(),
	}
	if err := processor.store.InsertLog(ctx, entry); err != nil {
		processor.logger.Error("payment log write failed",
			zap.String("event_id", notification.EventID), zap.Error(err))
	}
}

func describePurchase(notification Notification) string {
	if notification.SessionReference != "" {
		return fmt.Sprintf("gateway purchase %s (session %s)", notification.EventID, notification.SessionReference)
	}
	return fmt.Sprintf("gateway purchase %s", notification.EventID)
}
