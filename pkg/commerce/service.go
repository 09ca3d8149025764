package commerce

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. All state-changing
// operations run inside a single atomic section obtained from the store.
type Service struct {
	store        Store
	stock        *StockManager
	quote        QuoteClient
	callbackKey  []byte
	nowFn        func() int64
	logger       OperationLogger
	minimumTopup Amount
}

// NewService wires a Service.
func NewService(store Store, callbackKey []byte, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if len(callbackKey) == 0 {
		return nil, fmt.Errorf("%w: callback key is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		stock:        NewStockManager(store),
		callbackKey:  callbackKey,
		nowFn:        now,
		minimumTopup: DefaultMinimumTopup,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Stock exposes the stock manager sharing this service's store.
func (service *Service) Stock() *StockManager {
	return service.stock
}

// RegisterUser creates the account on first contact and returns it.
func (service *Service) RegisterUser(ctx context.Context, userID UserID, displayName string) (User, error) {
	return service.store.GetOrCreateUser(ctx, userID, displayName)
}

// QueryBalance returns the committed balance for a user.
func (service *Service) QueryBalance(ctx context.Context, userID UserID) (Amount, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// ListProducts returns the catalog, optionally restricted to active products.
func (service *Service) ListProducts(ctx context.Context, activeOnly bool) ([]Product, error) {
	return service.store.ListProducts(ctx, activeOnly)
}

// History returns the user's most recent completed transactions.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, limit)
}

// ProfileFor returns the account alongside aggregate purchase and top-up
// statistics.
func (service *Service) ProfileFor(ctx context.Context, userID UserID) (User, ProfileStats, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, ProfileStats{}, err
	}
	stats, err := service.store.UserStats(ctx, userID)
	if err != nil {
		return User{}, ProfileStats{}, err
	}
	return user, stats, nil
}

// CreateProduct adds a catalog entry with its initial stock pool.
func (service *Service) CreateProduct(ctx context.Context, product Product, units []StockUnit) (ProductID, error) {
	if product.Name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidProductName)
	}
	if product.Price <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	for _, unit := range units {
		if unit == "" {
			return 0, fmt.Errorf("%w: empty value", ErrInvalidStockUnit)
		}
	}
	var productID ProductID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		created, err := txStore.CreateProduct(ctx, product, units)
		if err != nil {
			return err
		}
		productID = created
		return nil
	})
	return productID, operationError
}

// UpdateProductPrice changes a product's price. Already-issued references
// and completed purchases keep the price they were quoted at.
func (service *Service) UpdateProductPrice(ctx context.Context, productID ProductID, price Amount) error {
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.UpdateProductPrice(ctx, productID, price)
	})
}

// Purchase executes one purchase as a single atomic section: product and
// balance checks, stock claim, debit, and the completed transaction record
// all commit together or not at all. The claim happens before the debit so
// stock exhaustion never leaves a debited-but-undelivered state.
func (service *Service) Purchase(ctx context.Context, userID UserID, productID ProductID) (PurchaseReceipt, error) {
	var receipt PurchaseReceipt
	var price Amount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		product, err := txStore.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if !product.Active {
			return ErrProductInactive
		}
		price = product.Price
		user, err := txStore.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Balance < product.Price {
			return ErrInsufficientFunds
		}
		unit, err := claimUnit(ctx, txStore, product)
		if err != nil {
			return err
		}
		newBalance, err := txStore.AdjustBalance(ctx, userID, -product.Price)
		if err != nil {
			return err
		}
		entry := Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         userID,
			Kind:           TransactionPurchase,
			Amount:         -product.Price,
			Description:    fmt.Sprintf("Purchase %s", product.Name),
			StockUnit:      unit,
			Status:         TransactionCompleted,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, entry); err != nil {
			return err
		}
		receipt = PurchaseReceipt{
			TransactionID: entry.TransactionID,
			NewBalance:    newBalance,
		}
		if product.Delivery == DeliveryAutomatic {
			receipt.DeliveredUnit = unit
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		ProductID: productID,
		Amount:    price,
		Error:     operationError,
	})
	return receipt, operationError
}

// AdjustUserBalance applies an administrative signed delta. Negative deltas
// still fail closed when they would drive the balance below zero.
func (service *Service) AdjustUserBalance(ctx context.Context, userID UserID, delta Amount, reason string) (Amount, error) {
	var newBalance Amount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.AdjustBalance(ctx, userID, delta)
		if err != nil {
			return err
		}
		newBalance = balance
		kind := TransactionAdjustment
		entry := Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         userID,
			Kind:           kind,
			Amount:         delta,
			Description:    reason,
			Status:         TransactionCompleted,
			CreatedUnixUTC: service.nowFn(),
		}
		return txStore.InsertTransaction(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    delta,
		Error:     operationError,
	})
	return newBalance, operationError
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
