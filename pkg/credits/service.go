package credits

import (
	"context"
	"fmt"
	"time"
)

// Service contains the account and ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the paid and bonus balances, creating the account if absent.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		PaidCredits:  account.PaidCredits,
		BonusCredits: account.BonusCredits,
	}, nil
}

// Grant atomically adds credits to an account and appends the matching ledger
// row. Purchase-sourced credits land on the paid balance, everything else on
// the bonus balance.
func (service *Service) Grant(ctx context.Context, userID UserID, amount CreditAmount, source GrantSource, description string) (Balance, error) {
	var resulting Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		paid := account.PaidCredits
		bonus := account.BonusCredits
		if source == SourcePurchase {
			paid += amount.Int64()
		} else {
			bonus += amount.Int64()
		}
		if err := transactionStore.UpdateBalances(ctx, account.AccountID, paid, bonus); err != nil {
			return err
		}
		resulting = Balance{PaidCredits: paid, BonusCredits: bonus}
		return transactionStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      account.AccountID,
			Type:           transactionTypeForSource(source),
			Amount:         amount.Int64(),
			BalanceAfter:   resulting.Total(),
			Description:    description,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrant,
		UserID:      userID,
		Amount:      amount,
		Source:      source,
		Description: description,
		Error:       operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return resulting, nil
}

// Deduct atomically spends credits, bonus balance first, and appends a usage
// row with a negative amount. Fails with ErrInsufficientBalance and no
// mutation when the total balance cannot cover the amount.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount CreditAmount, description string) (Balance, error) {
	var resulting Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		total := account.PaidCredits + account.BonusCredits
		if total < amount.Int64() {
			return ErrInsufficientBalance
		}
		bonus := account.BonusCredits - amount.Int64()
		paid := account.PaidCredits
		if bonus < 0 {
			paid += bonus
			bonus = 0
		}
		if err := transactionStore.UpdateBalances(ctx, account.AccountID, paid, bonus); err != nil {
			return err
		}
		resulting = Balance{PaidCredits: paid, BonusCredits: bonus}
		return transactionStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      account.AccountID,
			Type:           TransactionUsage,
			Amount:         -amount.Int64(),
			BalanceAfter:   resulting.Total(),
			Description:    description,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDeduct,
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Error:       operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return resulting, nil
}

// History lists ledger rows for the account, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, limit, offset)
}

// Reconciliation reports the ledger prefix sum next to the live balance.
type Reconciliation struct {
	LedgerSum  int64
	LiveTotal  int64
	Consistent bool
}

// Reconcile recomputes the account balance from the ledger and compares it
// with the stored balances.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Reconciliation{}, err
	}
	ledgerSum, err := service.store.SumTransactions(ctx, account.AccountID)
	if err != nil {
		return Reconciliation{}, err
	}
	liveTotal := account.PaidCredits + account.BonusCredits
	return Reconciliation{
		LedgerSum:  ledgerSum,
		LiveTotal:  liveTotal,
		Consistent: ledgerSum == liveTotal,
	}, nil
}

// ConsumeFreeAllowance spends one unit of the non-ledgered daily free
// allotment, resetting the counter when the stored day is stale.
func (service *Service) ConsumeFreeAllowance(ctx context.Context, userID UserID, dailyLimit int64) (int64, error) {
	var remaining int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		today := time.Unix(service.nowFn(), 0).UTC().Format(freeResetDayLayout)
		used := account.FreeUsedToday
		if account.LastFreeResetDay != today {
			used = 0
		}
		if used >= dailyLimit {
			return ErrFreeAllowanceExhausted
		}
		used++
		remaining = dailyLimit - used
		return transactionStore.UpdateFreeAllowance(ctx, account.AccountID, used, today)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationFreeAllowance,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
