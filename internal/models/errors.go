package models

import "errors"

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicatePayment means the payment reference is already recorded on
	// another order. The pipeline continues with that order, so callers never see it.
	ErrDuplicatePayment = errors.New("payment already processed")
	// ErrKeyCollision means a generated key already exists.
	ErrKeyCollision = errors.New("activation key collision")
	// ErrInternal wraps failures that are not the caller's to fix, such as
	// running out of key generation attempts.
	ErrInternal = errors.New("internal error")

	ErrPaymentRequired = errors.New("complete your purchase first")
	ErrKeyNotReady     = errors.New("activation key is being prepared")
	ErrTrialExhausted  = errors.New("trial exhausted, upgrade to continue")

	// ErrAccountInconsistent only appears in reconciliation reports.
	ErrAccountInconsistent = errors.New("account inconsistent")

	ErrInvalidTransition    = errors.New("invalid order status transition")
	ErrOrderNotCompleted    = errors.New("order is not completed")
	ErrAccountHasPurchases  = errors.New("account with purchases cannot be deleted")
	ErrDownloadLimitReached = errors.New("download limit reached")
	ErrKeyInactive          = errors.New("activation key is inactive")
	ErrInvalidInput         = errors.New("invalid input")
)
