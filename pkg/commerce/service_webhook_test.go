package commerce

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func signedPayload(test *testing.T, reference string, status string, amount int64) ([]byte, string) {
	test.Helper()
	body := []byte(fmt.Sprintf(`{"reference":%q,"merchant_ref":%q,"status":%q,"amount":%d}`, reference, reference, status, amount))
	return body, CallbackSignature([]byte(stubCallbackKey), body)
}

func TestHandleNotificationCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000, ChannelCode: "QRIS"})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "PAID", 100000)
	result, err := service.HandleNotification(context.Background(), body, signature)
	if err != nil {
		test.Fatalf("first delivery: %v", err)
	}
	if result.Status != ReferenceCredited || result.Duplicate {
		test.Fatalf("unexpected result %+v", result)
	}
	if result.CreditedAmount != 100000 {
		test.Fatalf("expected credited amount 100000, got %d", result.CreditedAmount)
	}

	// Identical redelivery acks without a second credit.
	result, err = service.HandleNotification(context.Background(), body, signature)
	if err != nil {
		test.Fatalf("second delivery: %v", err)
	}
	if !result.Duplicate {
		test.Fatalf("expected duplicate ack, got %+v", result)
	}
	if store.users[7].Balance != 100000 {
		test.Fatalf("expected balance 100000 after two deliveries, got %d", store.users[7].Balance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected exactly one credit transaction, got %d", len(store.transactions))
	}
	if store.references["TU123"].Status != ReferenceCredited {
		test.Fatalf("expected reference credited, got %s", store.references["TU123"].Status)
	}
	entry := store.transactions[0]
	if entry.Kind != TransactionTopup || entry.Amount != 100000 || entry.Reference != "TU123" {
		test.Fatalf("unexpected credit transaction %+v", entry)
	}
	if len(store.events) != 2 {
		test.Fatalf("expected both deliveries audited, got %d events", len(store.events))
	}
	if store.events[0].Duplicate || !store.events[1].Duplicate {
		test.Fatalf("expected only the redelivery flagged duplicate")
	}
}

func TestHandleNotificationRejectsTamperedPayload(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "PAID", 100000)
	tampered := []byte(string(body[:len(body)-2]) + "9}")
	_, err := service.HandleNotification(context.Background(), tampered, signature)
	if !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if store.users[7].Balance != 0 {
		test.Fatalf("expected no balance change, got %d", store.users[7].Balance)
	}
	if store.references["TU123"].Status != ReferenceUnpaid {
		test.Fatalf("expected reference still unpaid, got %s", store.references["TU123"].Status)
	}
}

func TestHandleNotificationAcceptsCorrectSignature(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	store.addReference(test, PaymentReference{Reference: "TU456", UserID: 7, Amount: 50000})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU456", "PAID", 50000)
	if _, err := service.HandleNotification(context.Background(), body, signature); err != nil {
		test.Fatalf("expected accept, got %v", err)
	}
}

func TestHandleNotificationUnknownReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU999", "PAID", 10000)
	_, err := service.HandleNotification(context.Background(), body, signature)
	if !errors.Is(err, ErrUnknownReference) {
		test.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestHandleNotificationExpiredMutatesNoBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "EXPIRED", 100000)
	result, err := service.HandleNotification(context.Background(), body, signature)
	if err != nil {
		test.Fatalf("expired notification: %v", err)
	}
	if result.Status != ReferenceExpired {
		test.Fatalf("expected expired, got %s", result.Status)
	}
	if store.users[7].Balance != 0 {
		test.Fatalf("expected no credit, got %d", store.users[7].Balance)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.transactions))
	}
}

func TestHandleNotificationPaidAfterExpiredIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000, Status: ReferenceExpired})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "PAID", 100000)
	result, err := service.HandleNotification(context.Background(), body, signature)
	if err != nil {
		test.Fatalf("delivery after expiry: %v", err)
	}
	if !result.Duplicate {
		test.Fatalf("expected idempotent ack, got %+v", result)
	}
	if store.users[7].Balance != 0 {
		test.Fatalf("expected no credit, got %d", store.users[7].Balance)
	}
}

func TestHandleNotificationUnpaidIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "UNPAID", 100000)
	result, err := service.HandleNotification(context.Background(), body, signature)
	if err != nil {
		test.Fatalf("unpaid notification: %v", err)
	}
	if result.Status != ReferenceUnpaid || result.Duplicate {
		test.Fatalf("unexpected result %+v", result)
	}
}

func TestHandleNotificationRejectsUnknownStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addReference(test, PaymentReference{Reference: "TU123", UserID: 7, Amount: 100000})
	service := mustNewService(test, store)

	body, signature := signedPayload(test, "TU123", "PENDINGISH", 100000)
	_, err := service.HandleNotification(context.Background(), body, signature)
	if !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestHandleNotificationRejectsMissingFields(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	body := []byte(`{"amount":100}`)
	signature := CallbackSignature([]byte(stubCallbackKey), body)
	_, err := service.HandleNotification(context.Background(), body, signature)
	if !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestVerifyCallbackSignature(test *testing.T) {
	test.Parallel()
	key := []byte("secret")
	body := []byte(`{"reference":"TU1","status":"PAID"}`)
	signature := CallbackSignature(key, body)
	if !VerifyCallbackSignature(key, body, signature) {
		test.Fatalf("expected signature to verify")
	}
	if VerifyCallbackSignature([]byte("other"), body, signature) {
		test.Fatalf("expected wrong key to fail")
	}
	if VerifyCallbackSignature(key, append(body, ' '), signature) {
		test.Fatalf("expected modified body to fail")
	}
}
