package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserRow represents the users table. The primary key is the numeric
// identity issued by the messaging provider, not an autoincrement.
type UserRow struct {
	UserID      int64     `gorm:"primaryKey;autoIncrement:false"`
	DisplayName string    `gorm:""`
	Balance     int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (UserRow) TableName() string { return "users" }

// ProductRow mirrors the products table. Stock holds the derived pool
// length, or -1 for unlimited-stock products.
type ProductRow struct {
	ProductID   int64     `gorm:"primaryKey;autoIncrement"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:""`
	Price       int64     `gorm:"not null"`
	Stock       int       `gorm:"not null;default:0"`
	Delivery    string    `gorm:"not null;default:auto"`
	Active      bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (ProductRow) TableName() string { return "products" }

// StockUnitRow is one pool entry. The pool is ordered by Position: claims
// pop the lowest position, appends extend past the highest, and returned
// units re-insert below the current lowest.
type StockUnitRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ProductID int64  `gorm:"not null;index:idx_stock_units_product_position,priority:1"`
	Position  int64  `gorm:"not null;index:idx_stock_units_product_position,priority:2"`
	Value     string `gorm:"not null"`
}

func (StockUnitRow) TableName() string { return "stock_units" }

// TransactionRow mirrors the transactions table.
type TransactionRow struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	UserID        int64     `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Kind          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	Description   string    `gorm:""`
	Reference     string    `gorm:"index"`
	StockUnit     string    `gorm:""`
	Status        string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (TransactionRow) TableName() string { return "transactions" }

func (row *TransactionRow) BeforeCreate(tx *gorm.DB) error {
	if row.TransactionID == "" {
		row.TransactionID = uuid.NewString()
	}
	return nil
}

// PaymentReferenceRow mirrors the payment_references table, keyed by the
// provider-issued reference string and indexed by status so reconciliation
// sweeps can page through open references.
type PaymentReferenceRow struct {
	Reference   string     `gorm:"primaryKey"`
	UserID      int64      `gorm:"not null;index"`
	Amount      int64      `gorm:"not null"`
	ChannelCode string     `gorm:"not null"`
	Status      string     `gorm:"not null;index"`
	CheckoutURL string     `gorm:""`
	ExpiresAt   *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"not null"`
	PaidAt      *time.Time `gorm:""`
}

func (PaymentReferenceRow) TableName() string { return "payment_references" }

// WebhookEventRow audits each verified provider notification.
type WebhookEventRow struct {
	EventID        string         `gorm:"type:uuid;primaryKey"`
	Reference      string         `gorm:"not null;index"`
	ProviderStatus string         `gorm:"not null"`
	Payload        datatypes.JSON `gorm:"not null"`
	Duplicate      bool           `gorm:"not null"`
	ReceivedAt     time.Time      `gorm:"not null"`
}

func (WebhookEventRow) TableName() string { return "webhook_events" }

func (row *WebhookEventRow) BeforeCreate(tx *gorm.DB) error {
	if row.EventID == "" {
		row.EventID = uuid.NewString()
	}
	return nil
}

// SettingRow is the key/value configuration table.
type SettingRow struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (SettingRow) TableName() string { return "settings" }
