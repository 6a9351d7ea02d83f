// Package database owns connection setup and schema migration.
package database

import (
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/engagehub/engagehub/pkg/models"
)

// NewPostgresDB creates a PostgreSQL connection with pooling.
func NewPostgresDB(dsn string, maxOpen, maxIdle, connMaxLife int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if connMaxLife == 0 {
		connMaxLife = 3600
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLife) * time.Second)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

var sqliteSeq atomic.Int64

// NewSQLiteDB creates an isolated in-memory SQLite database. Used by
// tests. The database is named so every pooled connection sees the same
// data, and sequenced so separate calls stay independent.
func NewSQLiteDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// Migrate applies the schema for all core models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Campaign{},
		&models.Job{},
		&models.JobAttempt{},
		&models.LedgerEntry{},
		&models.WalletBalance{},
		&models.Withdrawal{},
		&models.VerificationRule{},
		&models.VerificationSession{},
		&models.VerificationLog{},
		&models.ManualReviewItem{},
		&models.FraudDetection{},
		&models.FraudAlert{},
	)
}
