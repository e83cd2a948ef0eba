package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentConfirmation is what a verified payment provider integration hands to
// the purchase pipeline.
type PaymentConfirmation struct {
	PaymentReference string          `json:"payment_reference"`
	OrderID          string          `json:"order_id,omitempty"`
	CustomerEmail    string          `json:"customer_email"`
	CustomerName     string          `json:"customer_name"`
	ProductID        string          `json:"product_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
}

// PurchaseResult is returned for every completion, including replays.
type PurchaseResult struct {
	OrderID       string `json:"order_id"`
	DownloadToken string `json:"download_token"`
	// ActivationKey stays nil until the customer reveals it.
	ActivationKey *string `json:"activation_key"`
	InvoiceNumber string  `json:"invoice_number"`
	Replayed      bool    `json:"replayed"`
}

// ReconcileError is one failed row of a reconciliation sweep.
type ReconcileError struct {
	Email string `json:"email,omitempty"`
	Order string `json:"order_id,omitempty"`
	Stage string `json:"stage"`
	Err   string `json:"error"`
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	UsersFixed     int              `json:"users_fixed"`
	CustomersFixed int              `json:"customers_fixed"`
	KeysCreated    int              `json:"keys_created"`
	Errors         []ReconcileError `json:"errors"`
}

// Fixes is the total number of repairs made.
func (r *ReconcileReport) Fixes() int {
	return r.UsersFixed + r.CustomersFixed + r.KeysCreated
}

// AccountView is an account as shown to its owner. The key is only present
// once revealed.
type AccountView struct {
	Email              string          `json:"email"`
	Name               string          `json:"name"`
	IsPremium          bool            `json:"is_premium"`
	ExtensionActivated bool            `json:"extension_activated"`
	RevealState        RevealState     `json:"reveal_state"`
	ActivationKey      *string         `json:"activation_key,omitempty"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	TotalOrders        int             `json:"total_orders"`
	TrialRemaining     int             `json:"trial_remaining"`
}

// ActivationI is the purchase-to-activation pipeline as seen by the HTTP API.
type ActivationI interface {
	// Start runs background jobs until Stop is called.
	Start() error
	Stop()

	CreatePendingOrder(ctx context.Context, in PendingOrder) (*Order, error)
	MarkFailed(ctx context.Context, orderID string) (*Order, error)
	MarkRefunded(ctx context.Context, orderID string) (*Order, error)
	FindByPaymentReference(ctx context.Context, ref string) (*Order, error)
	RegisterDownload(ctx context.Context, token string) (*Order, error)

	CompletePurchase(ctx context.Context, in PaymentConfirmation) (*PurchaseResult, error)

	GetOrCreateAccount(ctx context.Context, email, name string) (*Account, error)
	GetAccount(ctx context.Context, email string) (*AccountView, error)
	DeleteAccount(ctx context.Context, email string) error
	RevealKey(ctx context.Context, email string) (string, error)
	ConsumeTrialUse(ctx context.Context, email string) (TrialResult, error)
	UseFeature(ctx context.Context, email string) (TrialResult, error)
	ValidateKey(ctx context.Context, key string) (*ActivationKey, error)

	Reconcile(ctx context.Context) (*ReconcileReport, error)
}

// APIServer is the HTTP front of the service.
type APIServer interface {
	Start()
	Shutdown() error
}
