package earnings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/metrics"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to artist earnings
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for earnings
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Transaction{}, &Account{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize earnings.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Credit records c inside tx and increments the artist's totals. It reports false without
// touching the totals when the payment intent was already credited.
func (m *Manager) Credit(ctx context.Context, tx *gorm.DB, c Credit) (bool, error) {
	if c.UserID == "" || c.PaymentIntentID == "" {
		return false, errdefs.InvalidArgument("earnings credit requires a user and a payment intent")
	}
	if !c.Amount.IsPositive() {
		return false, errdefs.InvalidArgument("earnings credit must be positive")
	}
	if tx == nil {
		tx = m.db
	}
	tx = tx.WithContext(ctx)

	txn := &Transaction{
		ID:              uuid.NewString(),
		UserID:          c.UserID,
		Type:            c.Type,
		Amount:          c.Amount,
		Status:          "completed",
		Source:          "commission",
		SourceID:        c.SourceID,
		PaymentIntentID: c.PaymentIntentID,
		Description:     c.Description,
	}
	insert := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_intent_id"}},
		DoNothing: true,
	}).Create(txn)
	if insert.Error != nil {
		return false, extErrors.Wrap(insert.Error, "Cannot record earnings transaction")
	}
	if insert.RowsAffected == 0 {
		metrics.EarningsCredits.WithLabelValues("duplicate").Inc()
		m.logger.Info("Payment intent already credited",
			zap.String("UserID", c.UserID),
			zap.String("PaymentIntentID", c.PaymentIntentID),
		)
		return false, nil
	}

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Account{
		UserID:           c.UserID,
		TotalEarnings:    decimal.Zero,
		AvailableBalance: decimal.Zero,
	}).Error; err != nil {
		return false, extErrors.Wrap(err, "Cannot open earnings account")
	}
	update := tx.Model(&Account{}).
		Where("user_id = ?", c.UserID).
		UpdateColumns(map[string]interface{}{
			"total_earnings":    gorm.Expr("total_earnings + ?", c.Amount),
			"available_balance": gorm.Expr("available_balance + ?", c.Amount),
			"updated_at":        time.Now().UTC(),
		})
	if update.Error != nil {
		return false, extErrors.Wrap(update.Error, "Cannot increment earnings")
	}
	metrics.EarningsCredits.WithLabelValues("credited").Inc()
	return true, nil
}

// GetAccount returns the totals of an artist, zero valued if nothing was ever credited
func (m *Manager) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var acct Account
	result := m.db.WithContext(ctx).First(&acct, "user_id = ?", userID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return &Account{
			UserID:           userID,
			TotalEarnings:    decimal.Zero,
			AvailableBalance: decimal.Zero,
		}, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get earnings account")
	}
	return &acct, nil
}

// ListTransactions returns the credits of an artist, newest first
func (m *Manager) ListTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	results := make([]Transaction, 0, 4)
	result := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list earnings transactions")
	}
	return results, nil
}
