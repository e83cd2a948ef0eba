package repository

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/logger"
)

// defaultTrialLimit is used when the repository creates an account and no
// limit was configured.
const defaultTrialLimit = 3

var _ models.Repository = (*PostgresDB)(nil)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB

	trialLimit int
}

// Option tunes a PostgresDB.
type Option func(*PostgresDB)

// WithTrialLimit sets the trial limit given to newly created accounts.
func WithTrialLimit(limit int) Option {
	return func(db *PostgresDB) {
		db.trialLimit = limit
	}
}

// NewPostgresDB connects to PostgreSQL with the given DSN and migrates the schema.
func NewPostgresDB(dsn string, logger *logger.Logger, opts ...Option) (*PostgresDB, error) {
	db, err := Open(postgres.Open(dsn), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}

// Open builds a repository on any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector, logger *logger.Logger, opts ...Option) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // Use standard logger
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond, // Log queries slower than this
			LogLevel:                  gormLogger.Warn,        // Only log warnings or errors
			IgnoreRecordNotFoundError: true,                   // Suppress "record not found" errors
			Colorful:                  true,                   // Enable colorful logs
		},
	)
	conn, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, err
	}

	if err := conn.AutoMigrate(&models.Order{}, &models.Account{}, &models.LegacyUser{}, &models.ActivationKey{}, &models.AppLock{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}

	db := &PostgresDB{Conn: conn, logger: logger, trialLimit: defaultTrialLimit}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// forUpdate locks the selected rows until the surrounding transaction ends.
// Dialects without row locks (SQLite) drop the clause and rely on the
// database-wide write lock instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// notFound maps gorm's not-found error to models.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

// duplicatePayment maps a unique violation on the payment reference to
// models.ErrDuplicatePayment.
func duplicatePayment(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicatePayment
	}
	return err
}

// syncLegacyUser writes the users projection of account inside tx.
func syncLegacyUser(tx *gorm.DB, account *models.Account) error {
	user := models.ProjectLegacyUser(account)
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "is_premium", "extension_activated", "activation_key", "total_spent", "updated_at"}),
	}).Create(user).Error
	if err != nil {
		return fmt.Errorf("failed to sync legacy user: %w", err)
	}
	return nil
}
