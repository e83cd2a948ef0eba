package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ocus-app/activation/internal/models"
)

func (db *PostgresDB) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(order)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create order: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return order, true, nil
	}

	// Lost the race on a unique column; the existing row is the answer.
	if order.PaymentReference == nil {
		return nil, false, fmt.Errorf("failed to create order %s: conflicting row", order.ID)
	}
	existing, err := db.FindByPaymentReference(ctx, *order.PaymentReference)
	if err != nil {
		return nil, false, err
	}
	db.logger.Debug("Order already recorded for payment reference", "payment_reference", *order.PaymentReference, "order_id", existing.ID)
	return existing, false, nil
}

func (db *PostgresDB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, notFound(err))
	}
	return &order, nil
}

func (db *PostgresDB) FindByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	if err := db.Conn.WithContext(ctx).Where("payment_reference = ?", ref).First(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to find order by payment reference: %w", notFound(err))
	}
	return &order, nil
}

// lockOrder selects an order for update by id or payment reference.
func lockOrder(tx *gorm.DB, ref models.OrderRef) (*models.Order, error) {
	q := forUpdate(tx)
	switch {
	case ref.OrderID != "":
		q = q.Where("id = ?", ref.OrderID)
	case ref.PaymentReference != "":
		q = q.Where("payment_reference = ?", ref.PaymentReference)
	default:
		return nil, fmt.Errorf("%w: order id or payment reference required", models.ErrInvalidInput)
	}
	var order models.Order
	if err := q.First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (db *PostgresDB) MarkCompleted(ctx context.Context, ref models.OrderRef, finalAmount decimal.Decimal, currency string, at time.Time) (*models.Order, bool, error) {
	var (
		result           *models.Order
		alreadyCompleted bool
	)
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, ref)
		if err != nil {
			return err
		}
		if ref.PaymentReference != "" && order.PaymentReference != nil && *order.PaymentReference != ref.PaymentReference {
			return fmt.Errorf("%w: order %s was paid with reference %s", models.ErrInvalidTransition, order.ID, *order.PaymentReference)
		}
		attachRef := ref.PaymentReference != "" && order.PaymentReference == nil

		if order.IsCompleted() {
			if attachRef {
				res := tx.Model(&models.Order{}).
					Where("id = ? AND payment_reference IS NULL", order.ID).
					Updates(map[string]interface{}{"payment_reference": ref.PaymentReference, "updated_at": at})
				if res.Error != nil {
					return duplicatePayment(res.Error)
				}
				if res.RowsAffected == 1 {
					order.PaymentReference = &ref.PaymentReference
				}
			}
			result, alreadyCompleted = order, true
			return nil
		}
		if !order.Status.CanTransition(models.OrderStatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusCompleted)
		}

		invoice := models.InvoiceNumberFor(order.ID, at)
		changes := map[string]interface{}{
			"status":         models.OrderStatusCompleted,
			"final_amount":   finalAmount,
			"currency":       currency,
			"invoice_number": invoice,
			"completed_at":   at,
			"updated_at":     at,
		}
		if attachRef {
			changes["payment_reference"] = ref.PaymentReference
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusPending).
			Updates(changes)
		if res.Error != nil {
			return duplicatePayment(res.Error)
		}
		if res.RowsAffected == 0 {
			// Another delivery completed it between our read and write.
			if err := tx.Where("id = ?", order.ID).First(order).Error; err != nil {
				return err
			}
			result, alreadyCompleted = order, order.IsCompleted()
			if !alreadyCompleted {
				return fmt.Errorf("%w: order %s is %s", models.ErrInvalidTransition, order.ID, order.Status)
			}
			return nil
		}

		order.Status = models.OrderStatusCompleted
		if attachRef {
			order.PaymentReference = &ref.PaymentReference
		}
		order.FinalAmount = finalAmount
		order.Currency = currency
		order.InvoiceNumber = &invoice
		order.CompletedAt = &at
		order.UpdatedAt = at
		result = order
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark order completed: %w", err)
	}
	return result, alreadyCompleted, nil
}

func (db *PostgresDB) MarkFailed(ctx context.Context, id string, at time.Time) (*models.Order, error) {
	var result *models.Order
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, models.OrderRef{OrderID: id})
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusFailed {
			result = order
			return nil
		}
		if !order.Status.CanTransition(models.OrderStatusFailed) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusFailed)
		}
		order.Status = models.OrderStatusFailed
		order.FailedAt = &at
		order.UpdatedAt = at
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark order failed: %w", err)
	}
	return result, nil
}

func (db *PostgresDB) MarkRefunded(ctx context.Context, id string, at time.Time) (*models.Order, error) {
	var result *models.Order
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, models.OrderRef{OrderID: id})
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusRefunded {
			result = order
			return nil
		}
		if !order.Status.CanTransition(models.OrderStatusRefunded) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusRefunded)
		}
		order.Status = models.OrderStatusRefunded
		order.RefundedAt = &at
		order.UpdatedAt = at
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		result = order

		// Only money that was credited can be taken back.
		if !order.AccountApplied {
			return nil
		}
		account, err := lockAccount(tx, order.CustomerEmail)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		spent := account.TotalSpent.Sub(order.FinalAmount)
		if spent.IsNegative() {
			spent = decimal.Zero
		}
		account.TotalSpent = spent
		account.UpdatedAt = at
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		return syncLegacyUser(tx, account)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark order refunded: %w", err)
	}
	return result, nil
}

func (db *PostgresDB) RegisterDownload(ctx context.Context, token string) (*models.Order, error) {
	var result *models.Order
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := forUpdate(tx).Where("download_token = ?", token).First(&order).Error; err != nil {
			return notFound(err)
		}
		if order.Status != models.OrderStatusCompleted {
			return models.ErrOrderNotCompleted
		}
		if order.DownloadCount >= order.MaxDownloads {
			return models.ErrDownloadLimitReached
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND download_count < max_downloads", order.ID).
			Update("download_count", gorm.Expr("download_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrDownloadLimitReached
		}
		order.DownloadCount++
		result = &order
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register download: %w", err)
	}
	return result, nil
}
