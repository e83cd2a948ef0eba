package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ocus-app/activation/internal/models"
)

func (db *PostgresDB) ActivationKeyExists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := db.Conn.WithContext(ctx).Model(&models.ActivationKey{}).Where("activation_key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check if activation key exists: %w", err)
	}
	return count > 0, nil
}

func (db *PostgresDB) MarkKeyUsed(ctx context.Context, key string, at time.Time) (*models.ActivationKey, error) {
	var result models.ActivationKey
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ActivationKey{}).
			Where("activation_key = ? AND active = ? AND used_at IS NULL", key, true).
			Update("used_at", at).Error; err != nil {
			return err
		}
		if err := tx.Where("activation_key = ?", key).First(&result).Error; err != nil {
			return notFound(err)
		}
		if !result.Active {
			return models.ErrKeyInactive
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate activation key: %w", err)
	}
	return &result, nil
}
