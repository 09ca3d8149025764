package commerce

import (
	"context"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with snapshot-based rollback so atomic
// sections behave like real transactions under test.
type stubStore struct {
	mu           sync.Mutex
	users        map[UserID]User
	products     map[ProductID]Product
	pools        map[ProductID][]StockUnit
	transactions []Transaction
	events       []WebhookEvent
	references   map[string]PaymentReference
	settings     map[string]string

	failAdjustBalance     error
	failInsertTransaction error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		users:      make(map[UserID]User),
		products:   make(map[ProductID]Product),
		pools:      make(map[ProductID][]StockUnit),
		references: make(map[string]PaymentReference),
		settings:   make(map[string]string),
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		users:        make(map[UserID]User, len(store.users)),
		products:     make(map[ProductID]Product, len(store.products)),
		pools:        make(map[ProductID][]StockUnit, len(store.pools)),
		transactions: append([]Transaction(nil), store.transactions...),
		events:       append([]WebhookEvent(nil), store.events...),
		references:   make(map[string]PaymentReference, len(store.references)),
		settings:     make(map[string]string, len(store.settings)),
	}
	for id, user := range store.users {
		clone.users[id] = user
	}
	for id, product := range store.products {
		clone.products[id] = product
	}
	for id, pool := range store.pools {
		clone.pools[id] = append([]StockUnit(nil), pool...)
	}
	for reference, record := range store.references {
		clone.references[reference] = record
	}
	for key, value := range store.settings {
		clone.settings[key] = value
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.users = saved.users
	store.products = saved.products
	store.pools = saved.pools
	store.transactions = saved.transactions
	store.events = saved.events
	store.references = saved.references
	store.settings = saved.settings
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateUser(_ context.Context, userID UserID, displayName string) (User, error) {
	if user, ok := store.users[userID]; ok {
		return user, nil
	}
	user := User{UserID: userID, DisplayName: displayName}
	store.users[userID] = user
	return user, nil
}

func (store *stubStore) GetUser(_ context.Context, userID UserID) (User, error) {
	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (store *stubStore) AdjustBalance(_ context.Context, userID UserID, delta Amount) (Amount, error) {
	if store.failAdjustBalance != nil {
		return 0, store.failAdjustBalance
	}
	user, ok := store.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if user.Balance+delta < 0 {
		return 0, ErrInsufficientFunds
	}
	user.Balance += delta
	store.users[userID] = user
	return user.Balance, nil
}

func (store *stubStore) GetProduct(_ context.Context, productID ProductID) (Product, error) {
	product, ok := store.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

func (store *stubStore) GetProductForUpdate(ctx context.Context, productID ProductID) (Product, error) {
	return store.GetProduct(ctx, productID)
}

func (store *stubStore) ListProducts(_ context.Context, activeOnly bool) ([]Product, error) {
	var products []Product
	for _, product := range store.products {
		if activeOnly && !product.Active {
			continue
		}
		products = append(products, product)
	}
	return products, nil
}

func (store *stubStore) CreateProduct(_ context.Context, product Product, units []StockUnit) (ProductID, error) {
	productID := ProductID(len(store.products) + 1)
	product.ProductID = productID
	if product.Stock != UnlimitedStock {
		product.Stock = len(units)
	}
	store.products[productID] = product
	store.pools[productID] = append([]StockUnit(nil), units...)
	return productID, nil
}

func (store *stubStore) UpdateProductPrice(_ context.Context, productID ProductID, price Amount) error {
	product, ok := store.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	product.Price = price
	store.products[productID] = product
	return nil
}

func (store *stubStore) PopStockUnit(_ context.Context, productID ProductID) (StockUnit, error) {
	pool := store.pools[productID]
	if len(pool) == 0 {
		return "", ErrOutOfStock
	}
	unit := pool[0]
	store.pools[productID] = pool[1:]
	store.syncStock(productID)
	return unit, nil
}

func (store *stubStore) PushStockUnit(_ context.Context, productID ProductID, unit StockUnit) error {
	store.pools[productID] = append([]StockUnit{unit}, store.pools[productID]...)
	store.syncStock(productID)
	return nil
}

func (store *stubStore) AppendStockUnits(_ context.Context, productID ProductID, units []StockUnit) error {
	store.pools[productID] = append(store.pools[productID], units...)
	store.syncStock(productID)
	return nil
}

func (store *stubStore) CountStockUnits(_ context.Context, productID ProductID) (int, error) {
	return len(store.pools[productID]), nil
}

func (store *stubStore) syncStock(productID ProductID) {
	product, ok := store.products[productID]
	if !ok || product.Stock == UnlimitedStock {
		return
	}
	product.Stock = len(store.pools[productID])
	store.products[productID] = product
}

func (store *stubStore) InsertTransaction(_ context.Context, entry Transaction) error {
	if store.failInsertTransaction != nil {
		return store.failInsertTransaction
	}
	store.transactions = append(store.transactions, entry)
	return nil
}

func (store *stubStore) InsertWebhookEvent(_ context.Context, event WebhookEvent) error {
	store.events = append(store.events, event)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	var entries []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		entry := store.transactions[index]
		if entry.UserID != userID || entry.Status != TransactionCompleted {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (store *stubStore) UserStats(_ context.Context, userID UserID) (ProfileStats, error) {
	var stats ProfileStats
	for _, entry := range store.transactions {
		if entry.UserID != userID || entry.Status != TransactionCompleted {
			continue
		}
		switch entry.Kind {
		case TransactionPurchase:
			stats.PurchaseCount++
			stats.PurchaseTotal += -entry.Amount
		case TransactionTopup:
			stats.TopupCount++
			stats.TopupTotal += entry.Amount
		}
	}
	return stats, nil
}

func (store *stubStore) CreatePaymentReference(_ context.Context, record PaymentReference) error {
	if _, ok := store.references[record.Reference]; ok {
		return ErrReferenceExists
	}
	store.references[record.Reference] = record
	return nil
}

func (store *stubStore) GetPaymentReferenceForUpdate(_ context.Context, reference string) (PaymentReference, error) {
	record, ok := store.references[reference]
	if !ok {
		return PaymentReference{}, ErrUnknownReference
	}
	return record, nil
}

func (store *stubStore) UpdatePaymentReferenceStatus(_ context.Context, reference string, from, to ReferenceStatus) error {
	record, ok := store.references[reference]
	if !ok {
		return ErrUnknownReference
	}
	if record.Status != from {
		return ErrReferenceClosed
	}
	record.Status = to
	store.references[reference] = record
	return nil
}

func (store *stubStore) ListPaymentReferencesByStatus(_ context.Context, status ReferenceStatus, limit int) ([]PaymentReference, error) {
	var records []PaymentReference
	for _, record := range store.references {
		if record.Status != status {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (store *stubStore) GetSetting(_ context.Context, key string) (string, error) {
	return store.settings[key], nil
}

func (store *stubStore) SetSetting(_ context.Context, key string, value string) error {
	store.settings[key] = value
	return nil
}

const stubCallbackKey = "stub-private-key"

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, []byte(stubCallbackKey), func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func (store *stubStore) addUser(test *testing.T, userID UserID, balance Amount) {
	test.Helper()
	store.users[userID] = User{UserID: userID, DisplayName: "user", Balance: balance}
}

func (store *stubStore) addProduct(test *testing.T, product Product, units ...StockUnit) {
	test.Helper()
	if product.Delivery == "" {
		product.Delivery = DeliveryAutomatic
	}
	if product.Stock != UnlimitedStock {
		product.Stock = len(units)
	}
	store.products[product.ProductID] = product
	store.pools[product.ProductID] = append([]StockUnit(nil), units...)
}

func (store *stubStore) addReference(test *testing.T, record PaymentReference) {
	test.Helper()
	if record.Status == "" {
		record.Status = ReferenceUnpaid
	}
	store.references[record.Reference] = record
}
