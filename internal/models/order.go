package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// orderTransitions lists every allowed status change. Anything else is rejected.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusCompleted, OrderStatusFailed},
	OrderStatusCompleted: {OrderStatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order is one purchase attempt.
type Order struct {
	// ID is the order identifier (UUID).
	ID string `json:"id" gorm:"column:id;primaryKey;size:36"`
	// CustomerEmail is the normalized email of the buyer.
	CustomerEmail string `json:"customer_email" gorm:"column:customer_email;index;not null"`
	CustomerName  string `json:"customer_name" gorm:"column:customer_name"`
	ProductID     string `json:"product_id" gorm:"column:product_id;not null"`
	// OriginalAmount is the list price, FinalAmount what was charged after discounts.
	OriginalAmount decimal.Decimal `json:"original_amount" gorm:"column:original_amount;type:numeric(12,2);not null"`
	FinalAmount    decimal.Decimal `json:"final_amount" gorm:"column:final_amount;type:numeric(12,2);not null"`
	Currency       string          `json:"currency" gorm:"column:currency;size:3;not null"`
	Status         OrderStatus     `json:"status" gorm:"column:status;size:16;index;not null"`
	PaymentMethod  string          `json:"payment_method" gorm:"column:payment_method"`
	// PaymentReference is the payment provider's transaction id. It is the
	// idempotency key for completion, so it is unique when present.
	PaymentReference *string `json:"payment_reference,omitempty" gorm:"column:payment_reference;uniqueIndex"`
	// InvoiceNumber is assigned when the order completes.
	InvoiceNumber *string `json:"invoice_number,omitempty" gorm:"column:invoice_number;uniqueIndex"`
	// DownloadToken is an unguessable 128-bit token for the download link.
	DownloadToken string `json:"download_token" gorm:"column:download_token;uniqueIndex;not null"`
	DownloadCount int    `json:"download_count" gorm:"column:download_count;not null;default:0"`
	MaxDownloads  int    `json:"max_downloads" gorm:"column:max_downloads;not null"`
	// AccountApplied is set in the same transaction that credits the order to
	// the customer's account, so a purchase is credited at most once.
	AccountApplied bool       `json:"account_applied" gorm:"column:account_applied;not null;default:false;index"`
	CreatedAt      time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	FailedAt       *time.Time `json:"failed_at,omitempty" gorm:"column:failed_at"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty" gorm:"column:refunded_at"`
}

// TableName specifies the table name for GORM
func (Order) TableName() string {
	return "orders"
}

// IsCompleted reports whether the order reached completed at some point.
// Refunded orders keep their completion.
func (o *Order) IsCompleted() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusRefunded
}

// PendingOrder is the input for CreatePendingOrder.
type PendingOrder struct {
	CustomerEmail    string
	CustomerName     string
	ProductID        string
	OriginalAmount   decimal.Decimal
	FinalAmount      decimal.Decimal
	Currency         string
	PaymentMethod    string
	PaymentReference string
}

// OrderRef addresses an order either by its id or by the payment reference.
type OrderRef struct {
	OrderID          string
	PaymentReference string
}

// InvoiceNumberFor derives the invoice number of an order completed at t.
func InvoiceNumberFor(orderID string, t time.Time) string {
	short := strings.ReplaceAll(orderID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("INV-%s-%s", t.UTC().Format("20060102"), strings.ToUpper(short))
}
