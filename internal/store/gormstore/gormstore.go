package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	sqlite "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warungbot/commerce/pkg/commerce"
)

const (
	dialectPostgres          = "postgres"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectUser         = "user"
	errorSubjectBalance      = "balance"
	errorSubjectProduct      = "product"
	errorSubjectStockUnit    = "stock_unit"
	errorSubjectTransaction  = "transaction"
	errorSubjectReference    = "reference"
	errorSubjectWebhookEvent = "webhook_event"
	errorSubjectSetting      = "setting"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeAdjust          = "adjust"
	errorCodeClaim           = "claim"
	errorCodeCount           = "count"
	errorCodeReturn          = "return"
	errorCodeStats           = "stats"
	errorCodeSync            = "sync"
	errorCodeUpdate          = "update"
	errorCodeUpdateStatus    = "update_status"
)

// Store implements commerce.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenPostgres opens a PostgreSQL-backed store and migrates the schema.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return migrate(db)
}

// OpenSQLite opens a file-backed SQLite store and migrates the schema.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return migrate(db)
}

func migrate(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(
		&UserRow{},
		&ProductRow{},
		&StockUnitRow{},
		&TransactionRow{},
		&PaymentReferenceRow{},
		&WebhookEventRow{},
		&SettingRow{},
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return New(db), nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore commerce.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// locked adds a row-level lock on PostgreSQL. SQLite serializes writers
// already and rejects FOR UPDATE.
func (store *Store) locked(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == dialectPostgres {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (store *Store) GetOrCreateUser(ctx context.Context, userID commerce.UserID, displayName string) (commerce.User, error) {
	now := time.Now().UTC()
	row := UserRow{UserID: int64(userID), DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return store.GetUser(ctx, userID)
}

func (store *Store) GetUser(ctx context.Context, userID commerce.UserID) (commerce.User, error) {
	var row UserRow
	err := store.db.WithContext(ctx).Where("user_id = ?", int64(userID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, commerce.ErrUserNotFound)
	}
	if err != nil {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(row), nil
}

// AdjustBalance applies balance+delta with a guard in the UPDATE itself so
// the balance can never be driven below zero, regardless of interleaving.
func (store *Store) AdjustBalance(ctx context.Context, userID commerce.UserID, delta commerce.Amount) (commerce.Amount, error) {
	result := store.db.WithContext(ctx).
		Model(&UserRow{}).
		Where("user_id = ? AND balance + ? >= 0", int64(userID), int64(delta)).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", int64(delta)),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := store.db.WithContext(ctx).Model(&UserRow{}).Where("user_id = ?", int64(userID)).Count(&exists).Error; err != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
		}
		if exists == 0 {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, commerce.ErrUserNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, commerce.ErrInsufficientFunds)
	}
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

func (store *Store) GetProduct(ctx context.Context, productID commerce.ProductID) (commerce.Product, error) {
	return store.getProduct(ctx, productID, false)
}

func (store *Store) GetProductForUpdate(ctx context.Context, productID commerce.ProductID) (commerce.Product, error) {
	return store.getProduct(ctx, productID, true)
}

func (store *Store) getProduct(ctx context.Context, productID commerce.ProductID, forUpdate bool) (commerce.Product, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = store.locked(query)
	}
	var row ProductRow
	err := query.Where("product_id = ?", int64(productID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, commerce.ErrProductNotFound)
	}
	if err != nil {
		return commerce.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return mapProduct(row), nil
}

func (store *Store) ListProducts(ctx context.Context, activeOnly bool) ([]commerce.Product, error) {
	query := store.db.WithContext(ctx).Order("product_id ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []ProductRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	products := make([]commerce.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, mapProduct(row))
	}
	return products, nil
}

func (store *Store) CreateProduct(ctx context.Context, product commerce.Product, units []commerce.StockUnit) (commerce.ProductID, error) {
	row := ProductRow{
		Name:        product.Name,
		Description: product.Description,
		Price:       int64(product.Price),
		Stock:       product.Stock,
		Delivery:    string(product.Delivery),
		Active:      product.Active,
		CreatedAt:   time.Now().UTC(),
	}
	if product.Stock != commerce.UnlimitedStock {
		row.Stock = len(units)
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectProduct, errorCodeCreate, err)
	}
	for index, unit := range units {
		unitRow := StockUnitRow{ProductID: row.ProductID, Position: int64(index + 1), Value: string(unit)}
		if err := store.db.WithContext(ctx).Create(&unitRow).Error; err != nil {
			return 0, wrapStoreError(errorSubjectStockUnit, errorCodeInsert, err)
		}
	}
	return commerce.ProductID(row.ProductID), nil
}

func (store *Store) UpdateProductPrice(ctx context.Context, productID commerce.ProductID, price commerce.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&ProductRow{}).
		Where("product_id = ?", int64(productID)).
		Update("price", int64(price))
	if result.Error != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, commerce.ErrProductNotFound)
	}
	return nil
}

// PopStockUnit claims the pool head: the row with the lowest position.
func (store *Store) PopStockUnit(ctx context.Context, productID commerce.ProductID) (commerce.StockUnit, error) {
	var row StockUnitRow
	err := store.locked(store.db.WithContext(ctx)).
		Where("product_id = ?", int64(productID)).
		Order("position ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectStockUnit, errorCodeClaim, commerce.ErrOutOfStock)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectStockUnit, errorCodeClaim, err)
	}
	if err := store.db.WithContext(ctx).Delete(&StockUnitRow{}, row.ID).Error; err != nil {
		return "", wrapStoreError(errorSubjectStockUnit, errorCodeClaim, err)
	}
	if err := store.syncStock(ctx, productID); err != nil {
		return "", err
	}
	return commerce.StockUnit(row.Value), nil
}

// PushStockUnit re-inserts a unit ahead of the current pool head.
func (store *Store) PushStockUnit(ctx context.Context, productID commerce.ProductID, unit commerce.StockUnit) error {
	var bound sqlBound
	err := store.db.WithContext(ctx).
		Model(&StockUnitRow{}).
		Select("coalesce(min(position),1) as value").
		Where("product_id = ?", int64(productID)).
		Scan(&bound).Error
	if err != nil {
		return wrapStoreError(errorSubjectStockUnit, errorCodeReturn, err)
	}
	row := StockUnitRow{ProductID: int64(productID), Position: bound.Value - 1, Value: string(unit)}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectStockUnit, errorCodeReturn, err)
	}
	return store.syncStock(ctx, productID)
}

// AppendStockUnits extends the pool tail in the given order.
func (store *Store) AppendStockUnits(ctx context.Context, productID commerce.ProductID, units []commerce.StockUnit) error {
	var bound sqlBound
	err := store.db.WithContext(ctx).
		Model(&StockUnitRow{}).
		Select("coalesce(max(position),0) as value").
		Where("product_id = ?", int64(productID)).
		Scan(&bound).Error
	if err != nil {
		return wrapStoreError(errorSubjectStockUnit, errorCodeInsert, err)
	}
	for index, unit := range units {
		row := StockUnitRow{ProductID: int64(productID), Position: bound.Value + int64(index) + 1, Value: string(unit)}
		if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
			return wrapStoreError(errorSubjectStockUnit, errorCodeInsert, err)
		}
	}
	return store.syncStock(ctx, productID)
}

func (store *Store) CountStockUnits(ctx context.Context, productID commerce.ProductID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&StockUnitRow{}).
		Where("product_id = ?", int64(productID)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectStockUnit, errorCodeCount, err)
	}
	return int(count), nil
}

// syncStock refreshes the derived stock column for finite-pool products.
func (store *Store) syncStock(ctx context.Context, productID commerce.ProductID) error {
	err := store.db.WithContext(ctx).
		Model(&ProductRow{}).
		Where("product_id = ? AND stock <> ?", int64(productID), commerce.UnlimitedStock).
		Update("stock", gorm.Expr("(select count(*) from stock_units where stock_units.product_id = ?)", int64(productID))).Error
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeSync, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, entry commerce.Transaction) error {
	row := TransactionRow{
		TransactionID: entry.TransactionID,
		UserID:        int64(entry.UserID),
		Kind:          string(entry.Kind),
		Amount:        int64(entry.Amount),
		Description:   entry.Description,
		Reference:     entry.Reference,
		StockUnit:     string(entry.StockUnit),
		Status:        string(entry.Status),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertWebhookEvent(ctx context.Context, event commerce.WebhookEvent) error {
	row := WebhookEventRow{
		EventID:        event.EventID,
		Reference:      event.Reference,
		ProviderStatus: event.ProviderStatus,
		Payload:        jsonOrEmpty(event.Payload),
		Duplicate:      event.Duplicate,
		ReceivedAt:     time.Unix(event.ReceivedUnixUTC, 0).UTC(),
	}
	if event.ReceivedUnixUTC == 0 {
		row.ReceivedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID commerce.UserID, limit int) ([]commerce.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", int64(userID), string(commerce.TransactionCompleted)).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []TransactionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	entries := make([]commerce.Transaction, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapTransaction(row))
	}
	return entries, nil
}

func (store *Store) UserStats(ctx context.Context, userID commerce.UserID) (commerce.ProfileStats, error) {
	var stats commerce.ProfileStats
	var purchase sqlAggregate
	err := store.db.WithContext(ctx).
		Model(&TransactionRow{}).
		Select("count(*) as total_count, coalesce(sum(-amount),0) as total_amount").
		Where("user_id = ? AND kind = ? AND status = ?", int64(userID), string(commerce.TransactionPurchase), string(commerce.TransactionCompleted)).
		Scan(&purchase).Error
	if err != nil {
		return stats, wrapStoreError(errorSubjectTransaction, errorCodeStats, err)
	}
	var topup sqlAggregate
	err = store.db.WithContext(ctx).
		Model(&TransactionRow{}).
		Select("count(*) as total_count, coalesce(sum(amount),0) as total_amount").
		Where("user_id = ? AND kind = ? AND status = ?", int64(userID), string(commerce.TransactionTopup), string(commerce.TransactionCompleted)).
		Scan(&topup).Error
	if err != nil {
		return stats, wrapStoreError(errorSubjectTransaction, errorCodeStats, err)
	}
	stats.PurchaseCount = purchase.TotalCount
	stats.PurchaseTotal = commerce.Amount(purchase.TotalAmount)
	stats.TopupCount = topup.TotalCount
	stats.TopupTotal = commerce.Amount(topup.TotalAmount)
	return stats, nil
}

func (store *Store) CreatePaymentReference(ctx context.Context, record commerce.PaymentReference) error {
	row := PaymentReferenceRow{
		Reference:   record.Reference,
		UserID:      int64(record.UserID),
		Amount:      int64(record.Amount),
		ChannelCode: record.ChannelCode,
		Status:      string(record.Status),
		CheckoutURL: record.CheckoutURL,
		ExpiresAt:   timePointer(record.ExpiresAtUnixUTC),
		CreatedAt:   time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReference, errorCodeDuplicate, commerce.ErrReferenceExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReference, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPaymentReferenceForUpdate(ctx context.Context, reference string) (commerce.PaymentReference, error) {
	var row PaymentReferenceRow
	err := store.locked(store.db.WithContext(ctx)).
		Where("reference = ?", reference).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.PaymentReference{}, wrapStoreError(errorSubjectReference, errorCodeGet, commerce.ErrUnknownReference)
	}
	if err != nil {
		return commerce.PaymentReference{}, wrapStoreError(errorSubjectReference, errorCodeGet, err)
	}
	return mapPaymentReference(row), nil
}

// UpdatePaymentReferenceStatus applies the transition only when the record
// is still in the expected from state.
func (store *Store) UpdatePaymentReferenceStatus(ctx context.Context, reference string, from, to commerce.ReferenceStatus) error {
	updates := map[string]interface{}{"status": string(to)}
	if to == commerce.ReferenceCredited {
		updates["paid_at"] = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentReferenceRow{}).
		Where("reference = ? AND status = ?", reference, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReference, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := store.db.WithContext(ctx).Model(&PaymentReferenceRow{}).Where("reference = ?", reference).Count(&exists).Error; err != nil {
			return wrapStoreError(errorSubjectReference, errorCodeUpdateStatus, err)
		}
		if exists == 0 {
			return wrapStoreError(errorSubjectReference, errorCodeUpdateStatus, commerce.ErrUnknownReference)
		}
		return wrapStoreError(errorSubjectReference, errorCodeUpdateStatus, commerce.ErrReferenceClosed)
	}
	return nil
}

func (store *Store) ListPaymentReferencesByStatus(ctx context.Context, status commerce.ReferenceStatus, limit int) ([]commerce.PaymentReference, error) {
	query := store.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []PaymentReferenceRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReference, errorCodeList, err)
	}
	records := make([]commerce.PaymentReference, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapPaymentReference(row))
	}
	return records, nil
}

func (store *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var row SettingRow
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return row.Value, nil
}

func (store *Store) SetSetting(ctx context.Context, key string, value string) error {
	row := SettingRow{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSetting, errorCodeUpdate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return commerce.WrapError(errorOperationStore, subject, code, err)
}

type sqlBound struct {
	Value int64
}

type sqlAggregate struct {
	TotalCount  int64
	TotalAmount int64
}

func mapUser(row UserRow) commerce.User {
	return commerce.User{
		UserID:         commerce.UserID(row.UserID),
		DisplayName:    row.DisplayName,
		Balance:        commerce.Amount(row.Balance),
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapProduct(row ProductRow) commerce.Product {
	return commerce.Product{
		ProductID:      commerce.ProductID(row.ProductID),
		Name:           row.Name,
		Description:    row.Description,
		Price:          commerce.Amount(row.Price),
		Stock:          row.Stock,
		Delivery:       commerce.DeliveryMode(row.Delivery),
		Active:         row.Active,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapTransaction(row TransactionRow) commerce.Transaction {
	return commerce.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         commerce.UserID(row.UserID),
		Kind:           commerce.TransactionKind(row.Kind),
		Amount:         commerce.Amount(row.Amount),
		Description:    row.Description,
		Reference:      row.Reference,
		StockUnit:      commerce.StockUnit(row.StockUnit),
		Status:         commerce.TransactionStatus(row.Status),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapPaymentReference(row PaymentReferenceRow) commerce.PaymentReference {
	return commerce.PaymentReference{
		Reference:        row.Reference,
		UserID:           commerce.UserID(row.UserID),
		Amount:           commerce.Amount(row.Amount),
		ChannelCode:      row.ChannelCode,
		Status:           commerce.ReferenceStatus(row.Status),
		CheckoutURL:      row.CheckoutURL,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		PaidAtUnixUTC:    timeOrZero(row.PaidAt),
	}
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func timePointer(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func jsonOrEmpty(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
