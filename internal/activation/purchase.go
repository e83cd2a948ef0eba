package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ocus-app/activation/internal/keygen"
	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/validation"
)

// defaultProductID is used when a confirmation arrives for an order we never saw.
const defaultProductID = "ocus-extension"

// CompletePurchase turns a confirmed payment into a completed order, an
// activation key and a premium account. Every step is idempotent, so a
// replayed or retried confirmation resumes where an earlier call stopped and
// never credits the payment or mints a key twice.
func (a *Activation) CompletePurchase(ctx context.Context, in models.PaymentConfirmation) (*models.PurchaseResult, error) {
	in, err := normalizeConfirmation(in)
	if err != nil {
		return nil, err
	}
	ref := models.OrderRef{OrderID: in.OrderID, PaymentReference: in.PaymentReference}

	existing, err := a.lookupOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	if existing != nil && in.PaymentReference != "" && existing.PaymentReference != nil && *existing.PaymentReference != in.PaymentReference {
		return nil, fmt.Errorf("%w: order %s was paid with reference %s", models.ErrInvalidTransition, existing.ID, *existing.PaymentReference)
	}
	if existing != nil && existing.IsCompleted() && existing.AccountApplied {
		account, err := a.repo.GetAccount(ctx, existing.CustomerEmail)
		if err != nil {
			return nil, err
		}
		if account.ActivationKey != nil {
			a.metrics.Purchase("replayed")
			a.logger.Info("Duplicate payment confirmation", "order_id", existing.ID, "payment_reference", in.PaymentReference)
			return purchaseResult(existing, account, true), nil
		}
	}

	order, fresh, err := a.completeOrder(ctx, existing, in)
	if err != nil {
		return nil, err
	}

	if _, err := a.repo.GetOrCreateAccount(ctx, order.CustomerEmail, order.CustomerName); err != nil {
		return nil, err
	}
	if _, err := a.ensureKey(ctx, order.CustomerEmail, order.ID); err != nil {
		return nil, fmt.Errorf("failed to issue activation key for order %s: %w", order.ID, err)
	}
	account, applied, err := a.repo.ApplyCompletedPurchase(ctx, order.ID, a.now())
	if err != nil {
		return nil, err
	}

	switch {
	case fresh:
		a.metrics.Purchase("completed")
		a.logger.Info("Purchase completed", "order_id", order.ID, "email", order.CustomerEmail, "amount", order.FinalAmount.StringFixed(2), "currency", order.Currency)
		a.notify(func(n models.NotificationService) { n.NotifyPurchaseCompleted(order, account) })
	case applied:
		a.metrics.Purchase("resumed")
		a.logger.Warn("Resumed partially completed purchase", "order_id", order.ID)
	default:
		a.metrics.Purchase("replayed")
	}
	return purchaseResult(order, account, !fresh), nil
}

// completeOrder moves the order to completed, creating it when the payment
// provider confirmed a purchase we had no pending order for. fresh is true
// only for the call that performed the transition.
func (a *Activation) completeOrder(ctx context.Context, existing *models.Order, in models.PaymentConfirmation) (*models.Order, bool, error) {
	now := a.now()
	if existing == nil {
		if in.OrderID != "" {
			return nil, false, fmt.Errorf("order %s: %w", in.OrderID, models.ErrNotFound)
		}
		token, err := keygen.NewDownloadToken()
		if err != nil {
			return nil, false, err
		}
		id := uuid.NewString()
		invoice := models.InvoiceNumberFor(id, now)
		paymentRef := in.PaymentReference
		order := &models.Order{
			ID:               id,
			CustomerEmail:    in.CustomerEmail,
			CustomerName:     in.CustomerName,
			ProductID:        in.ProductID,
			OriginalAmount:   in.Amount,
			FinalAmount:      in.Amount,
			Currency:         in.Currency,
			Status:           models.OrderStatusCompleted,
			PaymentMethod:    in.PaymentMethod,
			PaymentReference: &paymentRef,
			InvoiceNumber:    &invoice,
			DownloadToken:    token,
			MaxDownloads:     a.config.MaxDownloads,
			CreatedAt:        now,
			UpdatedAt:        now,
			CompletedAt:      &now,
		}
		stored, created, err := a.repo.InsertOrder(ctx, order)
		if err != nil {
			return nil, false, err
		}
		if created {
			return stored, true, nil
		}
		existing = stored
	}

	ref := models.OrderRef{OrderID: existing.ID, PaymentReference: in.PaymentReference}
	order, alreadyCompleted, err := a.repo.MarkCompleted(ctx, ref, in.Amount, in.Currency, now)
	if errors.Is(err, models.ErrDuplicatePayment) {
		// A concurrent delivery recorded this payment on another order first.
		recorded, err := a.repo.FindByPaymentReference(ctx, in.PaymentReference)
		if err != nil {
			return nil, false, err
		}
		a.logger.Warn("Payment recorded on another order, continuing with it",
			"payment_reference", in.PaymentReference, "order_id", existing.ID, "recorded_order_id", recorded.ID)
		return a.completeOrder(ctx, recorded, in)
	}
	if err != nil {
		return nil, false, err
	}
	return order, !alreadyCompleted, nil
}

// lookupOrder finds the order a confirmation refers to. The payment
// reference wins over the order id: once a payment is recorded on an order,
// every confirmation of that payment resolves to it.
func (a *Activation) lookupOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error) {
	if ref.PaymentReference != "" {
		order, err := a.repo.FindByPaymentReference(ctx, ref.PaymentReference)
		if err == nil {
			if ref.OrderID != "" && order.ID != ref.OrderID {
				a.logger.Warn("Payment reference already recorded on another order",
					"payment_reference", ref.PaymentReference, "order_id", ref.OrderID, "recorded_order_id", order.ID)
			}
			return order, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	if ref.OrderID == "" {
		return nil, nil
	}
	order, err := a.repo.GetOrder(ctx, ref.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func normalizeConfirmation(in models.PaymentConfirmation) (models.PaymentConfirmation, error) {
	email, err := normalizeEmail(in.CustomerEmail)
	if err != nil {
		return in, err
	}
	in.CustomerEmail = email
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.PaymentReference = strings.TrimSpace(in.PaymentReference)
	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.PaymentReference == "" && in.OrderID == "" {
		return in, fmt.Errorf("%w: payment reference is required", models.ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return in, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	}
	currency, err := validation.ValidateCurrency(in.Currency)
	if err != nil {
		return in, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	in.Currency = currency
	if in.ProductID == "" {
		in.ProductID = defaultProductID
	}
	return in, nil
}

func purchaseResult(order *models.Order, account *models.Account, replayed bool) *models.PurchaseResult {
	result := &models.PurchaseResult{
		OrderID:       order.ID,
		DownloadToken: order.DownloadToken,
		Replayed:      replayed,
	}
	if order.InvoiceNumber != nil {
		result.InvoiceNumber = *order.InvoiceNumber
	}
	if account.ActivationKeyRevealed && account.ActivationKey != nil {
		key := *account.ActivationKey
		result.ActivationKey = &key
	}
	return result
}
