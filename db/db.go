package db

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// New returns an instance for interacting with the PostgreSQL database
func New(logger *zap.Logger, uri string) (*gorm.DB, error) {
	db, err := Open(logger, postgres.Open(uri))
	if err != nil {
		return nil, err
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(1)
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Open connects gorm through the given dialector with zap as the query logger.
// ErrRecordNotFound is handled in application logic, so it is not forwarded to zap/sentry.
func Open(logger *zap.Logger, dialector gorm.Dialector) (*gorm.DB, error) {
	gLogger := zapgorm2.Logger{
		ZapLogger:                 logger,
		LogLevel:                  gormlogger.Warn,
		SlowThreshold:             time.Second,
		SkipCallerLookup:          false,
		IgnoreRecordNotFoundError: true,
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to database")
	}
	return db, nil
}

// TxOptions returns the isolation used for read-compare-write transactions.
// SQLite serializes writers on its own and rejects explicit isolation levels on some drivers.
func TxOptions(db *gorm.DB) *sql.TxOptions {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	}
}
