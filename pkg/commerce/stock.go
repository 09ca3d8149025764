package commerce

import "context"

// StockManager owns the stock-unit pool per product. Pool mutations go
// through atomic sections obtained from the store; the product row lock
// taken before any pool read serializes claims per product, so two
// concurrent claims can never both observe the same one-unit-left pool.
type StockManager struct {
	store Store
}

// NewStockManager wires a StockManager.
func NewStockManager(store Store) *StockManager {
	return &StockManager{store: store}
}

// ClaimUnit atomically pops one unit from the product's pool. Finite-stock
// products with an empty pool fail with ErrOutOfStock. Unlimited-stock
// products return the synthetic empty unit and never exhaust.
func (manager *StockManager) ClaimUnit(ctx context.Context, productID ProductID) (StockUnit, error) {
	var unit StockUnit
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		product, err := txStore.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		claimed, err := claimUnit(ctx, txStore, product)
		if err != nil {
			return err
		}
		unit = claimed
		return nil
	})
	return unit, err
}

// ReturnUnit atomically re-inserts a previously claimed unit at the head of
// the pool. Used as the compensating action after a failed purchase attempt
// past the claim step.
func (manager *StockManager) ReturnUnit(ctx context.Context, productID ProductID, unit StockUnit) error {
	if unit == "" {
		return nil
	}
	return manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetProductForUpdate(ctx, productID); err != nil {
			return err
		}
		return txStore.PushStockUnit(ctx, productID, unit)
	})
}

// AppendUnits atomically appends a batch of new units to the pool. The call
// is not idempotent: resubmitting the same batch duplicates it.
func (manager *StockManager) AppendUnits(ctx context.Context, productID ProductID, units []StockUnit) error {
	if len(units) == 0 {
		return nil
	}
	for _, unit := range units {
		if _, err := NewStockUnit(string(unit)); err != nil {
			return err
		}
	}
	return manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetProductForUpdate(ctx, productID); err != nil {
			return err
		}
		return txStore.AppendStockUnits(ctx, productID, units)
	})
}

// AvailableCount reports the pool length, or UnlimitedStock for products
// that never exhaust.
func (manager *StockManager) AvailableCount(ctx context.Context, productID ProductID) (int, error) {
	product, err := manager.store.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product.Unlimited() {
		return UnlimitedStock, nil
	}
	return manager.store.CountStockUnits(ctx, productID)
}

// claimUnit pops one unit inside the caller's atomic section. The caller
// must already hold the product row lock.
func claimUnit(ctx context.Context, txStore Store, product Product) (StockUnit, error) {
	if product.Unlimited() {
		return "", nil
	}
	return txStore.PopStockUnit(ctx, product.ProductID)
}
