package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// InitiateTopup asks the payment provider for a new payment reference and
// persists the pending record. The provider call happens before the atomic
// section opens so no ledger lock is held across the network.
func (service *Service) InitiateTopup(ctx context.Context, userID UserID, amount Amount, channelCode string) (PaymentReference, error) {
	var record PaymentReference
	if service.quote == nil {
		return record, fmt.Errorf("%w: quote client not configured", ErrInvalidServiceConfig)
	}
	if amount < service.minimumTopup {
		return record, fmt.Errorf("%w: minimum is %d", ErrTopupBelowMinimum, service.minimumTopup)
	}
	if channelCode == "" {
		defaultCode, err := service.DefaultChannel(ctx)
		if err != nil {
			return record, err
		}
		channelCode = defaultCode
	}

	created, err := service.quote.CreatePaymentReference(ctx, amount, userID, channelCode)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationTopup, UserID: userID, Amount: amount, Error: err})
		return record, err
	}
	created.UserID = userID
	created.Amount = amount
	created.ChannelCode = channelCode
	created.Status = ReferenceUnpaid
	if created.CreatedUnixUTC == 0 {
		created.CreatedUnixUTC = service.nowFn()
	}

	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.CreatePaymentReference(ctx, created)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTopup,
		UserID:    userID,
		Reference: created.Reference,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return record, operationError
	}
	return created, nil
}

// ExpireOverdueReferences sweeps unpaid references past their expiry and
// marks them expired. Returns the number of references transitioned.
// References a concurrent webhook already closed are skipped.
func (service *Service) ExpireOverdueReferences(ctx context.Context) (int, error) {
	now := service.nowFn()
	candidates, err := service.store.ListPaymentReferencesByStatus(ctx, ReferenceUnpaid, expireSweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range candidates {
		if candidate.ExpiresAtUnixUTC == 0 || candidate.ExpiresAtUnixUTC > now {
			continue
		}
		reference := candidate.Reference
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			return txStore.UpdatePaymentReferenceStatus(ctx, reference, ReferenceUnpaid, ReferenceExpired)
		})
		if errors.Is(err, ErrReferenceClosed) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	service.logOperation(ctx, OperationLog{Operation: operationExpireSweep, Amount: Amount(expired)})
	return expired, nil
}

// ActiveChannels returns the configured active payment channel codes.
func (service *Service) ActiveChannels(ctx context.Context) ([]string, error) {
	raw, err := service.store.GetSetting(ctx, settingActiveChannels)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return append([]string(nil), defaultActiveChannels...), nil
	}
	var channels []string
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return append([]string(nil), defaultActiveChannels...), nil
	}
	return channels, nil
}

// SetActiveChannels replaces the active payment channel set.
func (service *Service) SetActiveChannels(ctx context.Context, channels []string) error {
	encoded, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	return service.store.SetSetting(ctx, settingActiveChannels, string(encoded))
}

// DefaultChannel returns the fallback payment channel code.
func (service *Service) DefaultChannel(ctx context.Context) (string, error) {
	code, err := service.store.GetSetting(ctx, settingDefaultChannel)
	if err != nil {
		return "", err
	}
	if code == "" {
		return defaultChannelCode, nil
	}
	return code, nil
}

// SetDefaultChannel replaces the fallback payment channel code.
func (service *Service) SetDefaultChannel(ctx context.Context, code string) error {
	return service.store.SetSetting(ctx, settingDefaultChannel, code)
}

// AvailableChannels lists provider channels restricted to the configured
// active set. An empty active set passes every channel through.
func (service *Service) AvailableChannels(ctx context.Context) ([]ChannelInfo, error) {
	if service.quote == nil {
		return nil, fmt.Errorf("%w: quote client not configured", ErrInvalidServiceConfig)
	}
	channels, err := service.quote.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	active, err := service.ActiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return channels, nil
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, code := range active {
		activeSet[code] = struct{}{}
	}
	filtered := make([]ChannelInfo, 0, len(channels))
	for _, channel := range channels {
		if _, ok := activeSet[channel.Code]; ok {
			filtered = append(filtered, channel)
		}
	}
	return filtered, nil
}
