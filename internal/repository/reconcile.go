package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ocus-app/activation/internal/models"
)

const hasCompletedOrder = "EXISTS (SELECT 1 FROM orders WHERE orders.customer_email = customers.email AND orders.status = 'completed')"

func (db *PostgresDB) ListUnappliedCompletedOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := db.Conn.WithContext(ctx).
		Where("status = ? AND account_applied = ?", models.OrderStatusCompleted, false).
		Order("completed_at").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied orders: %w", err)
	}
	return orders, nil
}

func (db *PostgresDB) ListAccountsMissingFlags(ctx context.Context) ([]string, error) {
	var emails []string
	err := db.Conn.WithContext(ctx).Model(&models.Account{}).
		Where("(is_premium = ? OR extension_activated = ?) AND "+hasCompletedOrder, false, false).
		Order("email").
		Pluck("email", &emails).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts missing flags: %w", err)
	}
	return emails, nil
}

func (db *PostgresDB) RepairAccountFlags(ctx context.Context, email string, at time.Time) (bool, error) {
	var repaired bool
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, email)
		if err != nil {
			return err
		}
		res := tx.Model(&models.Account{}).
			Where("id = ? AND (is_premium = ? OR extension_activated = ?) AND "+hasCompletedOrder, account.ID, false, false).
			Updates(map[string]interface{}{
				"is_premium":           true,
				"extension_activated":  true,
				"premium_activated_at": gorm.Expr("COALESCE(premium_activated_at, ?)", at),
				"updated_at":           at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		repaired = true
		if err := tx.Where("id = ?", account.ID).First(account).Error; err != nil {
			return err
		}
		return syncLegacyUser(tx, account)
	})
	if err != nil {
		return false, fmt.Errorf("failed to repair account flags: %w", err)
	}
	return repaired, nil
}

func (db *PostgresDB) ListActivatedAccountsWithoutKey(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.Conn.WithContext(ctx).
		Where("(is_premium = ? OR extension_activated = ?) AND activation_key IS NULL", true, true).
		Order("email").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts without key: %w", err)
	}
	return accounts, nil
}

func (db *PostgresDB) LatestCompletedOrderID(ctx context.Context, email string) (string, error) {
	var order models.Order
	err := db.Conn.WithContext(ctx).
		Where("customer_email = ? AND status IN ?", email, []string{string(models.OrderStatusCompleted), string(models.OrderStatusRefunded)}).
		Order("completed_at DESC").
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest completed order: %w", err)
	}
	return order.ID, nil
}

// ListLegacyDrift returns the emails whose users row is missing or differs
// from the customers row.
func (db *PostgresDB) ListLegacyDrift(ctx context.Context) ([]string, error) {
	var emails []string
	err := db.Conn.WithContext(ctx).Model(&models.Account{}).
		Joins("LEFT JOIN users ON users.email = customers.email").
		Where(`users.email IS NULL
			OR users.name <> customers.name
			OR users.is_premium <> customers.is_premium
			OR users.extension_activated <> customers.extension_activated
			OR users.total_spent <> customers.total_spent
			OR COALESCE(users.activation_key, '') <> COALESCE(customers.activation_key, '')`).
		Order("customers.email").
		Pluck("customers.email", &emails).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy drift: %w", err)
	}
	return emails, nil
}

func (db *PostgresDB) SyncLegacyUser(ctx context.Context, email string) (bool, error) {
	var changed bool
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, email)
		if err != nil {
			return err
		}
		var user models.LegacyUser
		err = tx.Where("email = ?", email).First(&user).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && user.MatchesAccount(account) {
			return nil
		}
		changed = true
		return syncLegacyUser(tx, account)
	})
	if err != nil {
		return false, fmt.Errorf("failed to sync legacy user: %w", err)
	}
	return changed, nil
}
