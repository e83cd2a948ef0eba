package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the transactional store behind the purchase pipeline.
// Every mutating method is idempotent for the same order/account identity.
type Repository interface {
	OrderLedger
	AccountStore
	KeyStore
	ReconcileStore

	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error

	Close() error
}

type OrderLedger interface {
	// InsertOrder stores a new order. If another order already holds the same
	// payment reference, that order is returned with created=false.
	InsertOrder(ctx context.Context, order *Order) (stored *Order, created bool, err error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	FindByPaymentReference(ctx context.Context, ref string) (*Order, error)
	// MarkCompleted moves a pending order to completed. An order that is
	// already completed is returned with alreadyCompleted=true. A payment
	// reference in ref is recorded on an order that has none; one that
	// belongs to another order fails with ErrDuplicatePayment, and an order
	// paid under a different reference fails with ErrInvalidTransition.
	MarkCompleted(ctx context.Context, ref OrderRef, finalAmount decimal.Decimal, currency string, at time.Time) (order *Order, alreadyCompleted bool, err error)
	MarkFailed(ctx context.Context, id string, at time.Time) (*Order, error)
	// MarkRefunded moves a completed order to refunded and takes its amount
	// off the account's total spent, never below zero. Flags and keys stay.
	MarkRefunded(ctx context.Context, id string, at time.Time) (*Order, error)
	RegisterDownload(ctx context.Context, token string) (*Order, error)
}

type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, email, name string) (*Account, error)
	GetAccount(ctx context.Context, email string) (*Account, error)
	// ApplyCompletedPurchase credits a completed order to its account exactly
	// once. applied is false when the order had already been credited.
	ApplyCompletedPurchase(ctx context.Context, orderID string, at time.Time) (account *Account, applied bool, err error)
	// IssueOrAttachKey attaches key to the account only if it has none.
	// attached is false when the account already owned a key.
	IssueOrAttachKey(ctx context.Context, email, orderID, key string, at time.Time) (account *Account, attached bool, err error)
	RevealKey(ctx context.Context, email string) (*Account, error)
	ConsumeTrialUse(ctx context.Context, email string, at time.Time) (TrialResult, error)
	DeleteAccount(ctx context.Context, email string, at time.Time) error
}

type KeyStore interface {
	ActivationKeyExists(ctx context.Context, key string) (bool, error)
	// MarkKeyUsed stamps used_at the first time an active key is validated.
	MarkKeyUsed(ctx context.Context, key string, at time.Time) (*ActivationKey, error)
}

type ReconcileStore interface {
	ListUnappliedCompletedOrders(ctx context.Context) ([]*Order, error)
	ListAccountsMissingFlags(ctx context.Context) ([]string, error)
	// RepairAccountFlags switches premium/activated on only when they are off
	// and a completed order exists. repaired is false when nothing changed.
	RepairAccountFlags(ctx context.Context, email string, at time.Time) (repaired bool, err error)
	ListActivatedAccountsWithoutKey(ctx context.Context) ([]*Account, error)
	LatestCompletedOrderID(ctx context.Context, email string) (string, error)
	ListLegacyDrift(ctx context.Context) ([]string, error)
	SyncLegacyUser(ctx context.Context, email string) (changed bool, err error)
}
