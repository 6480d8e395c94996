package payments

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"go.uber.org/zap"
)

// memoryCreditStore is a minimal in-memory credits.Store so the processor can
// be exercised against the real crediting logic rather than a canned granter.
type memoryCreditStore struct {
	accounts     map[string]*credits.Account
	transactions []credits.Transaction
}

func newMemoryCreditStore() *memoryCreditStore {
	return &memoryCreditStore{accounts: map[string]*credits.Account{}}
}

func (store *memoryCreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *memoryCreditStore) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	account, exists := store.accounts[userID]
	if !exists {
		account = &credits.Account{AccountID: userID + "-acct", UserID: userID}
		store.accounts[userID] = account
	}
	return *account, nil
}

func (store *memoryCreditStore) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	return store.GetOrCreateAccount(ctx, userID)
}

func (store *memoryCreditStore) UpdateBalances(ctx context.Context, accountID string, paidCredits int64, bonusCredits int64) error {
	for _, account := range store.accounts {
		if account.AccountID == accountID {
			account.PaidCredits = paidCredits
			account.BonusCredits = bonusCredits
			return nil
		}
	}
	return credits.ErrInvalidAccountID
}

func (store *memoryCreditStore) UpdateFreeAllowance(ctx context.Context, accountID string, freeUsedToday int64, lastFreeResetDay string) error {
	for _, account := range store.accounts {
		if account.AccountID == accountID {
			account.FreeUsedToday = freeUsedToday
			account.LastFreeResetDay = lastFreeResetDay
			return nil
		}
	}
	return credits.ErrInvalidAccountID
}

func (store *memoryCreditStore) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	store.transactions = append(store.transactions, credits.Transaction{
		AccountID:      input.AccountID,
		Type:           input.Type,
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter,
		Description:    input.Description,
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return nil
}

func (store *memoryCreditStore) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]credits.Transaction, error) {
	var listed []credits.Transaction
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

func (store *memoryCreditStore) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

// Double delivery of one purchase notification must leave exactly one +25
// purchase ledger row, a 25/0 balance, and one seen event record.
func TestDoubleDeliveryCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	creditStore := newMemoryCreditStore()
	clock := func() int64 { return 1715342400 }
	creditService, err := credits.NewService(creditStore, clock)
	if err != nil {
		test.Fatalf("credit service: %v", err)
	}
	paymentStore := newStubPaymentStore()
	processor, err := NewProcessor(paymentStore, creditService, mustPriceTable(test), clock, zap.NewNop())
	if err != nil {
		test.Fatalf("processor: %v", err)
	}

	notification := purchaseNotification("evt_retry")
	first, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != OutcomeApplied || first.CreditsGranted != 25 {
		test.Fatalf("first delivery result = %+v", first)
	}
	second, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("second delivery: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		test.Fatalf("second delivery outcome = %s, want duplicate", second.Outcome)
	}

	userID, err := credits.NewUserID("user-7")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	balance, err := creditService.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.PaidCredits != 25 || balance.BonusCredits != 0 {
		test.Fatalf("balance = %+v, want 25/0", balance)
	}

	history, err := creditService.History(context.Background(), userID, 10, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("ledger rows = %d, want 1", len(history))
	}
	if history[0].Type != credits.TransactionPurchase || history[0].Amount != 25 {
		test.Fatalf("ledger row = %+v, want +25 purchase", history[0])
	}
	if len(paymentStore.events) != 1 {
		test.Fatalf("seen events = %d, want 1", len(paymentStore.events))
	}
}
