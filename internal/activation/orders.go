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

// CreatePendingOrder records the start of a payment attempt. If the payment
// reference was already used, the order holding it is returned instead.
func (a *Activation) CreatePendingOrder(ctx context.Context, in models.PendingOrder) (*models.Order, error) {
	email, err := normalizeEmail(in.CustomerEmail)
	if err != nil {
		return nil, err
	}
	currency, err := validation.ValidateCurrency(in.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.ProductID) == "" {
		return nil, fmt.Errorf("%w: product id is required", models.ErrInvalidInput)
	}
	if in.OriginalAmount.IsNegative() || in.FinalAmount.IsNegative() {
		return nil, fmt.Errorf("%w: amounts cannot be negative", models.ErrInvalidInput)
	}
	if in.FinalAmount.GreaterThan(in.OriginalAmount) {
		return nil, fmt.Errorf("%w: final amount exceeds original amount", models.ErrInvalidInput)
	}

	token, err := keygen.NewDownloadToken()
	if err != nil {
		return nil, err
	}
	now := a.now()
	order := &models.Order{
		ID:             uuid.NewString(),
		CustomerEmail:  email,
		CustomerName:   strings.TrimSpace(in.CustomerName),
		ProductID:      strings.TrimSpace(in.ProductID),
		OriginalAmount: in.OriginalAmount,
		FinalAmount:    in.FinalAmount,
		Currency:       currency,
		Status:         models.OrderStatusPending,
		PaymentMethod:  in.PaymentMethod,
		DownloadToken:  token,
		MaxDownloads:   a.config.MaxDownloads,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ref := strings.TrimSpace(in.PaymentReference); ref != "" {
		order.PaymentReference = &ref
	}

	stored, created, err := a.repo.InsertOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if created {
		a.logger.Info("Pending order created", "order_id", stored.ID, "email", email, "product_id", order.ProductID)
	}
	return stored, nil
}

func (a *Activation) MarkFailed(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := a.repo.MarkFailed(ctx, orderID, a.now())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Order failed", "order_id", orderID)
	return order, nil
}

// MarkRefunded refunds a completed order. The customer keeps premium access
// and the activation key; only the spend total goes down.
func (a *Activation) MarkRefunded(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := a.repo.MarkRefunded(ctx, orderID, a.now())
	if err != nil {
		return nil, err
	}
	a.metrics.Refund()
	a.logger.Info("Order refunded", "order_id", orderID, "amount", order.FinalAmount.StringFixed(2), "currency", order.Currency)
	return order, nil
}

// FindByPaymentReference returns nil when no order carries the reference.
func (a *Activation) FindByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	order, err := a.repo.FindByPaymentReference(ctx, strings.TrimSpace(ref))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func (a *Activation) RegisterDownload(ctx context.Context, token string) (*models.Order, error) {
	return a.repo.RegisterDownload(ctx, token)
}
