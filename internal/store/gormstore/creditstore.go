package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
)

// CreditStore implements credits.Store using GORM.
type CreditStore struct {
	db *gorm.DB
}

// NewCreditStore returns a CreditStore backed by gorm.DB.
func NewCreditStore(db *gorm.DB) *CreditStore {
	return &CreditStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *CreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &CreditStore{db: transaction})
	})
}

// GetOrCreateAccount fetches the account, creating a zero-balance row on
// first reference.
func (store *CreditStore) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	var account CreditAccount
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&account, CreditAccount{UserID: userID}).Error
	if err != nil {
		return credits.Account{}, wrapCreditError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

// GetAccountForUpdate fetches the account with a row lock so concurrent
// grant/deduct calls on the same account serialize.
func (store *CreditStore) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	account, err := store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return credits.Account{}, err
	}
	var locked CreditAccount
	err = rowLock(store.db.WithContext(ctx)).
		Where("account_id = ?", account.AccountID).
		Take(&locked).Error
	if err != nil {
		return credits.Account{}, wrapCreditError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(locked), nil
}

// UpdateBalances writes both balances for the account.
func (store *CreditStore) UpdateBalances(ctx context.Context, accountID string, paidCredits int64, bonusCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"paid_credits":  paidCredits,
			"bonus_credits": bonusCredits,
		})
	if result.Error != nil {
		return wrapCreditError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapCreditError(errorSubjectAccount, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// UpdateFreeAllowance writes the daily free-allotment counter.
func (store *CreditStore) UpdateFreeAllowance(ctx context.Context, accountID string, freeUsedToday int64, lastFreeResetDay string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"free_used_today":     freeUsedToday,
			"last_free_reset_day": lastFreeResetDay,
		})
	if result.Error != nil {
		return wrapCreditError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapCreditError(errorSubjectAccount, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertTransaction appends one ledger row.
func (store *CreditStore) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	row := CreditTransaction{
		AccountID:    input.AccountID,
		Type:         input.Type.String(),
		Amount:       input.Amount,
		BalanceAfter: input.BalanceAfter,
		Description:  input.Description,
		CreatedAt:    time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapCreditError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns ledger rows for the account, newest first.
func (store *CreditStore) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapCreditError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapCreditError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// SumTransactions returns the signed sum of all ledger amounts for the
// account, the basis of balance reconciliation.
func (store *CreditStore) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapCreditError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func mapAccount(row CreditAccount) credits.Account {
	return credits.Account{
		AccountID:        row.AccountID,
		UserID:           row.UserID,
		PaidCredits:      row.PaidCredits,
		BonusCredits:     row.BonusCredits,
		FreeUsedToday:    row.FreeUsedToday,
		LastFreeResetDay: row.LastFreeResetDay,
	}
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      row.AccountID,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Description:    row.Description,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func wrapCreditError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
