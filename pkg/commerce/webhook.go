package commerce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NotificationResult reports how an inbound provider notification was
// applied. Duplicate deliveries for a closed reference ack without mutation.
type NotificationResult struct {
	Reference      string
	Status         ReferenceStatus
	Duplicate      bool
	CreditedAmount Amount
}

type callbackPayload struct {
	Reference   string `json:"reference"`
	MerchantRef string `json:"merchant_ref"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
}

// CallbackSignature computes the hex HMAC-SHA256 of the raw payload bytes
// under the provider's shared private key.
func CallbackSignature(privateKey []byte, rawBody []byte) string {
	mac := hmac.New(sha256.New, privateKey)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallbackSignature checks a provider signature in constant time.
func VerifyCallbackSignature(privateKey []byte, rawBody []byte, signature string) bool {
	expected := CallbackSignature(privateKey, rawBody)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleNotification verifies and applies one provider notification.
// The reference's state machine is unpaid → credited (terminal success) or
// unpaid → expired/failed (terminal failure); a redelivery for a closed
// reference acks as a no-op. The credited transition, the balance credit,
// and the top-up transaction record commit in one atomic section.
func (service *Service) HandleNotification(ctx context.Context, rawBody []byte, signature string) (NotificationResult, error) {
	var result NotificationResult
	if !VerifyCallbackSignature(service.callbackKey, rawBody, signature) {
		err := ErrInvalidSignature
		service.logOperation(ctx, OperationLog{Operation: operationNotification, Error: err})
		return result, err
	}

	var payload callbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Reference == "" || payload.Status == "" {
		return result, fmt.Errorf("%w: missing reference or status", ErrInvalidPayload)
	}
	target, err := mapProviderStatus(payload.Status)
	if err != nil {
		return result, err
	}

	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetPaymentReferenceForUpdate(ctx, payload.Reference)
		if err != nil {
			return err
		}
		result.Reference = record.Reference
		result.Status = record.Status
		event := WebhookEvent{
			EventID:         uuid.NewString(),
			Reference:       record.Reference,
			ProviderStatus:  strings.ToUpper(payload.Status),
			Payload:         rawBody,
			Duplicate:       record.Status.Terminal(),
			ReceivedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertWebhookEvent(ctx, event); err != nil {
			return err
		}
		if record.Status.Terminal() {
			result.Duplicate = true
			return nil
		}
		if target == ReferenceUnpaid {
			// Provider re-announced a still-pending reference.
			return nil
		}
		if err := txStore.UpdatePaymentReferenceStatus(ctx, record.Reference, ReferenceUnpaid, target); err != nil {
			return err
		}
		result.Status = target
		if target != ReferenceCredited {
			return nil
		}
		if _, err := txStore.AdjustBalance(ctx, record.UserID, record.Amount); err != nil {
			return err
		}
		entry := Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         record.UserID,
			Kind:           TransactionTopup,
			Amount:         record.Amount,
			Description:    fmt.Sprintf("Top up via %s - %s", record.ChannelCode, record.Reference),
			Reference:      record.Reference,
			Status:         TransactionCompleted,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, entry); err != nil {
			return err
		}
		result.CreditedAmount = record.Amount
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationNotification,
		Reference: payload.Reference,
		Amount:    result.CreditedAmount,
		Error:     operationError,
	})
	return result, operationError
}

// mapProviderStatus translates a provider callback status to a reference
// transition target.
func mapProviderStatus(raw string) (ReferenceStatus, error) {
	switch strings.ToUpper(raw) {
	case "PAID":
		return ReferenceCredited, nil
	case "UNPAID":
		return ReferenceUnpaid, nil
	case "EXPIRED":
		return ReferenceExpired, nil
	case "FAILED", "REFUND":
		return ReferenceFailed, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, raw)
}
