package models

// NotificationService delivers best-effort messages after the pipeline has
// committed. Implementations must not block the caller on network errors.
type NotificationService interface {
	NotifyPurchaseCompleted(order *Order, account *Account)
	NotifyReconcileReport(report *ReconcileReport)
}
