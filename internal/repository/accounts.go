package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ocus-app/activation/internal/models"
)

func lockAccount(tx *gorm.DB, email string) (*models.Account, error) {
	var account models.Account
	if err := forUpdate(tx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// getOrCreateAccount inserts an account with defaults unless one exists, then
// returns it locked. The legacy projection is written for new rows.
func (db *PostgresDB) getOrCreateAccount(tx *gorm.DB, email, name string, at time.Time) (*models.Account, error) {
	candidate := &models.Account{
		Email:      email,
		Name:       name,
		TrialLimit: db.trialLimit,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).Create(candidate)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create account: %w", res.Error)
	}
	account, err := lockAccount(tx, email)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		db.logger.Info("Account created", "email", email)
		if err := syncLegacyUser(tx, account); err != nil {
			return nil, err
		}
	}
	return account, nil
}

func (db *PostgresDB) GetOrCreateAccount(ctx context.Context, email, name string) (*models.Account, error) {
	var result *models.Account
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := db.getOrCreateAccount(tx, email, name, time.Now().UTC())
		if err != nil {
			return err
		}
		result = account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get or create account: %w", err)
	}
	return result, nil
}

func (db *PostgresDB) GetAccount(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	if err := db.Conn.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to get account: %w", notFound(err))
	}
	return &account, nil
}

func (db *PostgresDB) ApplyCompletedPurchase(ctx context.Context, orderID string, at time.Time) (*models.Account, bool, error) {
	var (
		result  *models.Account
		applied bool
	)
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, models.OrderRef{OrderID: orderID})
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusCompleted && !order.AccountApplied {
			return fmt.Errorf("%w: order %s is %s", models.ErrOrderNotCompleted, order.ID, order.Status)
		}

		account, err := db.getOrCreateAccount(tx, order.CustomerEmail, order.CustomerName, at)
		if err != nil {
			return err
		}
		result = account
		if order.AccountApplied {
			return nil
		}

		account.TotalSpent = account.TotalSpent.Add(order.FinalAmount)
		account.TotalOrders++
		account.IsPremium = true
		account.ExtensionActivated = true
		if account.PremiumActivatedAt == nil {
			account.PremiumActivatedAt = &at
		}
		if account.Name == "" {
			account.Name = order.CustomerName
		}
		account.UpdatedAt = at
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		if err := syncLegacyUser(tx, account); err != nil {
			return err
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).
			Updates(map[string]interface{}{"account_applied": true, "updated_at": at}).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply completed purchase: %w", err)
	}
	return result, applied, nil
}

func (db *PostgresDB) IssueOrAttachKey(ctx context.Context, email, orderID, key string, at time.Time) (*models.Account, bool, error) {
	var (
		result   *models.Account
		attached bool
	)
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, email)
		if err != nil {
			return err
		}
		result = account
		if account.ActivationKey != nil {
			return nil
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ActivationKey{
			Key:       key,
			OrderID:   orderID,
			Email:     email,
			Active:    true,
			CreatedAt: at,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrKeyCollision
		}

		account.ActivationKey = &key
		account.UpdatedAt = at
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		attached = true
		return syncLegacyUser(tx, account)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to attach activation key: %w", err)
	}
	return result, attached, nil
}

func (db *PostgresDB) RevealKey(ctx context.Context, email string) (*models.Account, error) {
	var result *models.Account
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, email)
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrPaymentRequired
		}
		if err != nil {
			return err
		}
		if account.ActivationKeyRevealed && account.ActivationKey != nil {
			result = account
			return nil
		}
		if !account.HasPaid() {
			return models.ErrPaymentRequired
		}
		if account.ActivationKey == nil {
			return models.ErrKeyNotReady
		}

		res := tx.Model(&models.Account{}).
			Where("id = ? AND activation_key_revealed = ?", account.ID, false).
			Update("activation_key_revealed", true)
		if res.Error != nil {
			return res.Error
		}
		account.ActivationKeyRevealed = true
		result = account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reveal activation key: %w", err)
	}
	return result, nil
}

func (db *PostgresDB) ConsumeTrialUse(ctx context.Context, email string, at time.Time) (models.TrialResult, error) {
	var result models.TrialResult
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).
			Where("email = ? AND trial_uses < trial_limit", email).
			Updates(map[string]interface{}{
				"trial_uses":   gorm.Expr("trial_uses + 1"),
				"last_used_at": at,
				"updated_at":   at,
			})
		if res.Error != nil {
			return res.Error
		}

		var account models.Account
		if err := tx.Where("email = ?", email).First(&account).Error; err != nil {
			return notFound(err)
		}
		result = models.TrialResult{
			Allowed:   res.RowsAffected == 1,
			Remaining: account.TrialRemaining(),
		}
		return nil
	})
	if err != nil {
		return models.TrialResult{}, fmt.Errorf("failed to consume trial use: %w", err)
	}
	return result, nil
}

func (db *PostgresDB) DeleteAccount(ctx context.Context, email string, at time.Time) error {
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, email)
		if err != nil {
			return err
		}
		if account.HasPaid() {
			return models.ErrAccountHasPurchases
		}
		if err := tx.Model(&models.ActivationKey{}).
			Where("email = ? AND active = ?", email, true).
			Updates(map[string]interface{}{"active": false, "deactivated_at": at}).Error; err != nil {
			return err
		}
		if err := tx.Where("email = ?", email).Delete(&models.LegacyUser{}).Error; err != nil {
			return err
		}
		return tx.Delete(account).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
