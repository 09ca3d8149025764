package commerce

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// stubQuoteClient fabricates provider responses without network traffic.
type stubQuoteClient struct {
	channels  []ChannelInfo
	nextRef   string
	createErr error
	created   []PaymentReference
}

func (client *stubQuoteClient) ListChannels(_ context.Context) ([]ChannelInfo, error) {
	return client.channels, nil
}

func (client *stubQuoteClient) ComputeFee(_ context.Context, amount Amount, channelCode string) (FeeInfo, error) {
	fee := Amount(750)
	return FeeInfo{ChannelCode: channelCode, Amount: amount, FlatFee: fee, TotalFee: fee, TotalAmount: amount + fee}, nil
}

func (client *stubQuoteClient) CreatePaymentReference(_ context.Context, amount Amount, userID UserID, channelCode string) (PaymentReference, error) {
	if client.createErr != nil {
		return PaymentReference{}, client.createErr
	}
	reference := client.nextRef
	if reference == "" {
		reference = fmt.Sprintf("TU%d-%d", userID, len(client.created)+1)
	}
	record := PaymentReference{
		Reference:        reference,
		UserID:           userID,
		Amount:           amount,
		ChannelCode:      channelCode,
		Status:           ReferenceUnpaid,
		CheckoutURL:      "https://checkout.example/" + reference,
		ExpiresAtUnixUTC: 1700086400,
	}
	client.created = append(client.created, record)
	return record, nil
}

func (client *stubQuoteClient) GetReferenceDetail(_ context.Context, reference string) (PaymentReference, error) {
	for _, record := range client.created {
		if record.Reference == reference {
			return record, nil
		}
	}
	return PaymentReference{}, ErrUnknownReference
}

func TestInitiateTopupPersistsPendingReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	quote := &stubQuoteClient{nextRef: "TU7-REF"}
	service := mustNewService(test, store, WithQuoteClient(quote))

	record, err := service.InitiateTopup(context.Background(), 7, 50000, "BCAVA")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if record.Reference != "TU7-REF" {
		test.Fatalf("unexpected reference %q", record.Reference)
	}
	persisted, ok := store.references["TU7-REF"]
	if !ok {
		test.Fatalf("expected reference persisted")
	}
	if persisted.Status != ReferenceUnpaid || persisted.Amount != 50000 || persisted.UserID != 7 {
		test.Fatalf("unexpected persisted record %+v", persisted)
	}
	if store.users[7].Balance != 0 {
		test.Fatalf("initiation must not credit balance, got %d", store.users[7].Balance)
	}
}

func TestInitiateTopupBelowMinimum(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithQuoteClient(&stubQuoteClient{}))

	_, err := service.InitiateTopup(context.Background(), 7, 5000, "QRIS")
	if !errors.Is(err, ErrTopupBelowMinimum) {
		test.Fatalf("expected ErrTopupBelowMinimum, got %v", err)
	}
	if len(store.references) != 0 {
		test.Fatalf("expected no reference persisted")
	}
}

func TestInitiateTopupFallsBackToDefaultChannel(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addUser(test, 7, 0)
	quote := &stubQuoteClient{}
	service := mustNewService(test, store, WithQuoteClient(quote))

	record, err := service.InitiateTopup(context.Background(), 7, 50000, "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if record.ChannelCode != defaultChannelCode {
		test.Fatalf("expected default channel, got %q", record.ChannelCode)
	}
}

func TestInitiateTopupProviderFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	quote := &stubQuoteClient{createErr: ErrQuoteUnavailable}
	service := mustNewService(test, store, WithQuoteClient(quote))

	_, err := service.InitiateTopup(context.Background(), 7, 50000, "QRIS")
	if !errors.Is(err, ErrQuoteUnavailable) {
		test.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
	if len(store.references) != 0 {
		test.Fatalf("expected no reference persisted on provider failure")
	}
}

func TestInitiateTopupWithoutQuoteClient(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.InitiateTopup(context.Background(), 7, 50000, "QRIS")
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestExpireOverdueReferences(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addReference(test, PaymentReference{Reference: "TU-OLD", UserID: 7, Amount: 10000, ExpiresAtUnixUTC: 1600000000})
	store.addReference(test, PaymentReference{Reference: "TU-FRESH", UserID: 7, Amount: 10000, ExpiresAtUnixUTC: 1800000000})
	store.addReference(test, PaymentReference{Reference: "TU-DONE", UserID: 7, Amount: 10000, ExpiresAtUnixUTC: 1600000000, Status: ReferenceCredited})
	service := mustNewService(test, store)

	expired, err := service.ExpireOverdueReferences(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected 1 expired, got %d", expired)
	}
	if store.references["TU-OLD"].Status != ReferenceExpired {
		test.Fatalf("expected TU-OLD expired, got %s", store.references["TU-OLD"].Status)
	}
	if store.references["TU-FRESH"].Status != ReferenceUnpaid {
		test.Fatalf("expected TU-FRESH untouched, got %s", store.references["TU-FRESH"].Status)
	}
	if store.references["TU-DONE"].Status != ReferenceCredited {
		test.Fatalf("expected TU-DONE untouched, got %s", store.references["TU-DONE"].Status)
	}
}

func TestAvailableChannelsFiltersActiveSet(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	quote := &stubQuoteClient{channels: []ChannelInfo{
		{Code: "QRIS", Name: "QRIS"},
		{Code: "BCAVA", Name: "BCA Virtual Account"},
		{Code: "OVO", Name: "OVO"},
	}}
	service := mustNewService(test, store, WithQuoteClient(quote))

	if err := service.SetActiveChannels(context.Background(), []string{"QRIS", "OVO"}); err != nil {
		test.Fatalf("set channels: %v", err)
	}
	channels, err := service.AvailableChannels(context.Background())
	if err != nil {
		test.Fatalf("channels: %v", err)
	}
	if len(channels) != 2 {
		test.Fatalf("expected 2 channels, got %d", len(channels))
	}
	for _, channel := range channels {
		if channel.Code == "BCAVA" {
			test.Fatalf("expected BCAVA filtered out")
		}
	}
}

func TestChannelSettingsDefaults(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	channels, err := service.ActiveChannels(context.Background())
	if err != nil {
		test.Fatalf("active channels: %v", err)
	}
	if len(channels) != len(defaultActiveChannels) {
		test.Fatalf("expected defaults, got %v", channels)
	}
	code, err := service.DefaultChannel(context.Background())
	if err != nil {
		test.Fatalf("default channel: %v", err)
	}
	if code != defaultChannelCode {
		test.Fatalf("expected %q, got %q", defaultChannelCode, code)
	}

	if err := service.SetDefaultChannel(context.Background(), "BCAVA"); err != nil {
		test.Fatalf("set default: %v", err)
	}
	code, err = service.DefaultChannel(context.Background())
	if err != nil {
		test.Fatalf("default channel: %v", err)
	}
	if code != "BCAVA" {
		test.Fatalf("expected BCAVA, got %q", code)
	}
}
