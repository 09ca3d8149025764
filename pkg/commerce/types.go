package commerce

import (
	"context"
	"fmt"
	"strings"
)

// Amount is an integer currency value in the smallest currency unit.
type Amount int64

// UserID identifies an account owner (opaque numeric ID from the messaging provider).
type UserID int64

// ProductID identifies a sellable product.
type ProductID int64

// StockUnit is one single-use opaque payload (credential pair, voucher code)
// belonging to a product's pool. The empty value marks the synthetic unit
// claimed from an unlimited-stock product.
type StockUnit string

// UnlimitedStock is the sentinel stock value for products whose pool is
// never consumed.
const UnlimitedStock = -1

// DeliveryMode tags how a claimed unit reaches the buyer.
type DeliveryMode string

const (
	DeliveryAutomatic DeliveryMode = "auto"
	DeliveryManual    DeliveryMode = "manual"
)

// User is an account owner with a committed balance.
type User struct {
	UserID         UserID
	DisplayName    string
	Balance        Amount
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Product is a sellable item backed by an ordered pool of stock units.
// Stock holds the derived pool length, or UnlimitedStock.
type Product struct {
	ProductID      ProductID
	Name           string
	Description    string
	Price          Amount
	Stock          int
	Delivery       DeliveryMode
	Active         bool
	CreatedUnixUTC int64
}

// Unlimited reports whether the product bypasses pool consumption.
func (product Product) Unlimited() bool {
	return product.Stock == UnlimitedStock
}

// TransactionKind enumerates audit-trail entry kinds.
type TransactionKind string

const (
	TransactionTopup      TransactionKind = "topup"
	TransactionPurchase   TransactionKind = "purchase"
	TransactionAdjustment TransactionKind = "adjustment"
)

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is a single immutable line in the audit trail. Amount is
// signed: positive for credits, negative for debits.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Kind           TransactionKind
	Amount         Amount
	Description    string
	Reference      string
	StockUnit      StockUnit
	Status         TransactionStatus
	CreatedUnixUTC int64
}

// ReferenceStatus is the lifecycle state of a payment reference record.
type ReferenceStatus string

const (
	ReferenceUnpaid   ReferenceStatus = "unpaid"
	ReferenceCredited ReferenceStatus = "credited"
	ReferenceExpired  ReferenceStatus = "expired"
	ReferenceFailed   ReferenceStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (status ReferenceStatus) Terminal() bool {
	switch status {
	case ReferenceCredited, ReferenceExpired, ReferenceFailed:
		return true
	}
	return false
}

// PaymentReference tracks a pending top-up issued by the payment provider.
// Exactly one credit transaction may ever be created per reference.
type PaymentReference struct {
	Reference        string
	UserID           UserID
	Amount           Amount
	ChannelCode      string
	Status           ReferenceStatus
	CheckoutURL      string
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
	PaidAtUnixUTC    int64
}

// WebhookEvent is an audit record of one verified provider notification,
// kept for security review and reconciliation.
type WebhookEvent struct {
	EventID         string
	Reference       string
	ProviderStatus  string
	Payload         []byte
	Duplicate       bool
	ReceivedUnixUTC int64
}

// PurchaseReceipt is the caller-visible outcome of a completed purchase.
// DeliveredUnit is empty for manual-delivery and unlimited-stock products.
type PurchaseReceipt struct {
	TransactionID string
	DeliveredUnit StockUnit
	NewBalance    Amount
}

// ProfileStats aggregates a user's completed activity.
type ProfileStats struct {
	PurchaseCount int64
	PurchaseTotal Amount
	TopupCount    int64
	TopupTotal    Amount
}

// NewUserID validates a provider user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidUserID)
	}
	return UserID(raw), nil
}

// NewAmount validates a strictly positive amount.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// NewStockUnit validates a stock unit payload.
func NewStockUnit(raw string) (StockUnit, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidStockUnit)
	}
	return StockUnit(trimmed), nil
}

// ParseDeliveryMode validates a delivery mode tag.
func ParseDeliveryMode(raw string) (DeliveryMode, error) {
	switch DeliveryMode(raw) {
	case DeliveryAutomatic, DeliveryManual:
		return DeliveryMode(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, raw)
}

// Store is the persistence contract used by Service and StockManager.
// Every mutation happens inside a WithTx atomic section: all mutations
// either all commit or all roll back, with no partial visibility to
// concurrent readers.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateUser(ctx context.Context, userID UserID, displayName string) (User, error)
	GetUser(ctx context.Context, userID UserID) (User, error)
	// AdjustBalance commits balance+delta and returns the post-mutation
	// balance. A negative delta that would drive the balance below zero
	// fails with ErrInsufficientFunds and mutates nothing.
	AdjustBalance(ctx context.Context, userID UserID, delta Amount) (Amount, error)

	GetProduct(ctx context.Context, productID ProductID) (Product, error)
	// GetProductForUpdate locks the product row for the remainder of the
	// atomic section, serializing claims per product.
	GetProductForUpdate(ctx context.Context, productID ProductID) (Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	CreateProduct(ctx context.Context, product Product, units []StockUnit) (ProductID, error)
	UpdateProductPrice(ctx context.Context, productID ProductID, price Amount) error

	PopStockUnit(ctx context.Context, productID ProductID) (StockUnit, error)
	PushStockUnit(ctx context.Context, productID ProductID, unit StockUnit) error
	AppendStockUnits(ctx context.Context, productID ProductID, units []StockUnit) error
	CountStockUnits(ctx context.Context, productID ProductID) (int, error)

	InsertTransaction(ctx context.Context, entry Transaction) error
	InsertWebhookEvent(ctx context.Context, event WebhookEvent) error
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	UserStats(ctx context.Context, userID UserID) (ProfileStats, error)

	CreatePaymentReference(ctx context.Context, record PaymentReference) error
	// GetPaymentReferenceForUpdate locks the reference row so concurrent
	// webhook deliveries for the same reference serialize.
	GetPaymentReferenceForUpdate(ctx context.Context, reference string) (PaymentReference, error)
	// UpdatePaymentReferenceStatus applies a guarded from→to transition and
	// fails with ErrReferenceClosed when the record is no longer in from.
	UpdatePaymentReferenceStatus(ctx context.Context, reference string, from, to ReferenceStatus) error
	ListPaymentReferencesByStatus(ctx context.Context, status ReferenceStatus, limit int) ([]PaymentReference, error)

	// GetSetting returns the stored value, or the empty string without
	// error when the key has never been set.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
}
