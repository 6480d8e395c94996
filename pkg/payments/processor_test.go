package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"go.uber.org/zap"
)

type stubPaymentStore struct {
	events        map[string]EventRecord
	logs          []LogEntry
	customerLinks map[string]string
}

func newStubPaymentStore() *stubPaymentStore {
	return &stubPaymentStore{
		events:        map[string]EventRecord{},
		customerLinks: map[string]string{},
	}
}

func (store *stubPaymentStore) InsertEvent(ctx context.Context, record EventRecord) error {
	if _, exists := store.events[record.EventID]; exists {
		return ErrDuplicateEvent
	}
	store.events[record.EventID] = record
	return nil
}

func (store *stubPaymentStore) MarkEventOutcome(ctx context.Context, eventID string, success bool) error {
	record, exists := store.events[eventID]
	if !exists {
		return errors.New("unknown event")
	}
	record.Success = success
	store.events[eventID] = record
	return nil
}

func (store *stubPaymentStore) InsertLog(ctx context.Context, entry LogEntry) error {
	store.logs = append(store.logs, entry)
	return nil
}

func (store *stubPaymentStore) GetCustomerLink(ctx context.Context, customerReference string) (string, bool, error) {
	userID, exists := store.customerLinks[customerReference]
	return userID, exists, nil
}

func (store *stubPaymentStore) UpsertCustomerLink(ctx context.Context, customerReference string, userID string) error {
	store.customerLinks[customerReference] = userID
	return nil
}

type stubGranter struct {
	grants  []grantCall
	failErr error
}

type grantCall struct {
	userID string
	amount int64
	source credits.GrantSource
}

func (granter *stubGranter) Grant(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, source credits.GrantSource, description string) (credits.Balance, error) {
	if granter.failErr != nil {
		return credits.Balance{}, granter.failErr
	}
	granter.grants = append(granter.grants, grantCall{userID: userID.String(), amount: amount.Int64(), source: source})
	return credits.Balance{PaidCredits: amount.Int64()}, nil
}

func mustPriceTable(test *testing.T) PriceTable {
	test.Helper()
	table, err := NewPriceTable(map[PriceKey]int64{
		{Currency: "usd", AmountMinorUnits: 999}:  25,
		{Currency: "usd", AmountMinorUnits: 2499}: 80,
	})
	if err != nil {
		test.Fatalf("price table: %v", err)
	}
	return table
}

func mustProcessor(test *testing.T, store Store, granter CreditGranter) *Processor {
	test.Helper()
	processor, err := NewProcessor(store, granter, mustPriceTable(test), func() int64 { return 1715342400 }, zap.NewNop())
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	return processor
}

func purchaseNotification(eventID string) Notification {
	return Notification{
		EventID:          eventID,
		EventType:        "checkout.session.completed",
		AmountMinorUnits: 999,
		Currency:         "usd",
		PayerReference:   "user-7",
		SessionReference: "cs_123",
	}
}

func TestProcessAppliesPurchaseOnce(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)

	result, err := processor.Process(context.Background(), purchaseNotification("evt-1"))
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		test.Fatalf("expected applied, got %s (%s)", result.Outcome, result.FailureReason)
	}
	if result.CreditsGranted != 25 {
		test.Fatalf("expected 25 credits, got %d", result.CreditsGranted)
	}
	if len(granter.grants) != 1 || granter.grants[0].source != credits.SourcePurchase {
		test.Fatalf("expected one purchase grant, got %+v", granter.grants)
	}
	if !store.events["evt-1"].Success {
		test.Fatalf("event not marked successful")
	}
}

func TestProcessDuplicateDeliveryGrantsOnce(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)
	notification := purchaseNotification("evt-dup")

	first, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("first delivery: %v", err)
	}
	second, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("second delivery: %v", err)
	}
	if first.Outcome != OutcomeApplied || second.Outcome != OutcomeDuplicate {
		test.Fatalf("expected applied then duplicate, got %s then %s", first.Outcome, second.Outcome)
	}
	if len(granter.grants) != 1 {
		test.Fatalf("expected exactly one grant, got %d", len(granter.grants))
	}
	if len(store.events) != 1 {
		test.Fatalf("expected one seen event, got %d", len(store.events))
	}
}

func TestProcessUnknownAmountDoesNotCredit(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)
	notification := purchaseNotification("evt-odd")
	notification.AmountMinorUnits = 1234

	result, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Outcome != OutcomeFailed || result.FailureReason != ReasonUnknownAmount {
		test.Fatalf("expected failed/unknown_amount, got %s/%s", result.Outcome, result.FailureReason)
	}
	if len(granter.grants) != 0 {
		test.Fatalf("unexpected grant for unknown amount")
	}
}

func TestProcessUnresolvedAccount(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)
	notification := purchaseNotification("evt-lost")
	notification.PayerReference = ""
	notification.CustomerReference = "cus_unknown"

	result, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Outcome != OutcomeFailed || result.FailureReason != ReasonUnresolvedAccount {
		test.Fatalf("expected failed/unresolved_account, got %s/%s", result.Outcome, result.FailureReason)
	}
	if store.events["evt-lost"].Success {
		test.Fatalf("failed event marked successful")
	}
}

func TestProcessResolvesThroughCustomerLink(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)
	userID, err := credits.NewUserID("user-42")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if err := processor.LinkCustomer(context.Background(), "cus_42", userID); err != nil {
		test.Fatalf("link customer: %v", err)
	}
	notification := purchaseNotification("evt-linked")
	notification.PayerReference = ""
	notification.CustomerReference = "cus_42"

	result, err := processor.Process(context.Background(), notification)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Outcome != OutcomeApplied || result.UserID != "user-42" {
		test.Fatalf("expected applied for user-42, got %s/%s", result.Outcome, result.UserID)
	}
}

func TestProcessGrantFailureStillMarksEventSeen(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{failErr: errors.New("store down")}
	processor := mustProcessor(test, store, granter)

	result, err := processor.Process(context.Background(), purchaseNotification("evt-grantfail"))
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Outcome != OutcomeFailed || result.FailureReason != ReasonGrantFailed {
		test.Fatalf("expected failed/grant_failed, got %s/%s", result.Outcome, result.FailureReason)
	}
	if _, seen := store.events["evt-grantfail"]; !seen {
		test.Fatalf("event not recorded as seen after grant failure")
	}
}

func TestEveryNotificationWritesOneLogRow(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	granter := &stubGranter{}
	processor := mustProcessor(test, store, granter)
	notification := purchaseNotification("evt-logged")

	for index := 0; index < 2; index++ {
		if _, err := processor.Process(context.Background(), notification); err != nil {
			test.Fatalf("delivery %d: %v", index, err)
		}
	}
	unknown := purchaseNotification("evt-unknown")
	unknown.AmountMinorUnits = 5
	if _, err := processor.Process(context.Background(), unknown); err != nil {
		test.Fatalf("unknown amount delivery: %v", err)
	}

	if len(store.logs) != 3 {
		test.Fatalf("expected 3 log rows (applied, duplicate, failed), got %d", len(store.logs))
	}
	outcomes := map[Outcome]int{}
	for _, entry := range store.logs {
		outcomes[entry.Outcome]++
	}
	if outcomes[OutcomeApplied] != 1 || outcomes[OutcomeDuplicate] != 1 || outcomes[OutcomeFailed] != 1 {
		test.Fatalf("unexpected outcome distribution: %+v", outcomes)
	}
}

func TestProcessRejectsMalformedNotification(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	processor := mustProcessor(test, store, &stubGranter{})

	_, err := processor.Process(context.Background(), Notification{EventType: "checkout.session.completed"})
	if !errors.Is(err, ErrInvalidNotification) {
		test.Fatalf("expected ErrInvalidNotification, got %v", err)
	}
}
