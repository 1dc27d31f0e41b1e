package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/tier"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate *validator.Validate = validator.New()

// Customers is the subset of the customer manager used for metering and billing
type Customers interface {
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
	ListPaid(ctx context.Context) ([]customer.Customer, error)
}

type ManagerOptions struct {
	DB        *gorm.DB
	Customers Customers
	Logger    *zap.Logger
}

// Manager handles the database operations relating to usage counters
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Record{}, &Event{}, &OverageBill{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize usage.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return errdefs.InvalidArgument("%s is invalid (%s)", verrs[0].Field(), verrs[0].Tag())
	}
	return errdefs.InvalidArgument("%v", err)
}

// ensureRecord lazily creates the counters of a user
func ensureRecord(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Record{
		UserID:           userID,
		StorageUsedGB:    decimal.Zero,
		TeamMembersCount: 1,
	}).Error
}

type TrackOptions struct {
	UserID      string                 `validate:"required"`
	Feature     string                 `validate:"required"`
	CreditsUsed *int64                 `validate:"required,min=0"`
	Metadata    map[string]interface{} `validate:"-"`
}

// Track adds AI credit consumption to the user's counters and appends an analytics event
func (m *Manager) Track(ctx context.Context, opt TrackOptions) (*Record, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	now := time.Now().UTC()
	var rec Record
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRecord(tx, opt.UserID); err != nil {
			return err
		}
		res := tx.Model(&Record{}).
			Where("user_id = ?", opt.UserID).
			UpdateColumns(map[string]interface{}{
				"ai_credits_used": gorm.Expr("ai_credits_used + ?", *opt.CreditsUsed),
				"last_ai_usage":   now,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		metadata := opt.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		if err := tx.Create(&Event{
			ID:          uuid.NewString(),
			UserID:      opt.UserID,
			Feature:     opt.Feature,
			CreditsUsed: *opt.CreditsUsed,
			Metadata:    metadata,
		}).Error; err != nil {
			return err
		}
		return tx.First(&rec, "user_id = ?", opt.UserID).Error
	})
	if err != nil {
		m.Logger.Error("Unable to track usage",
			zap.String("UserID", opt.UserID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot track usage")
	}
	return &rec, nil
}

type IncrementOptions struct {
	UserID      string          `validate:"required"`
	Artworks    int64           `validate:"min=0"`
	StorageGB   decimal.Decimal `validate:"-"`
	TeamMembers int64           `validate:"min=0"`
}

// Increment grows the non-resetting counters. Deltas are never negative.
func (m *Manager) Increment(ctx context.Context, opt IncrementOptions) (*Record, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	if opt.StorageGB.IsNegative() {
		return nil, errdefs.InvalidArgument("StorageGB is invalid (min)")
	}
	var rec Record
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRecord(tx, opt.UserID); err != nil {
			return err
		}
		res := tx.Model(&Record{}).
			Where("user_id = ?", opt.UserID).
			UpdateColumns(map[string]interface{}{
				"artworks_count":     gorm.Expr("artworks_count + ?", opt.Artworks),
				"storage_used_gb":    gorm.Expr("storage_used_gb + ?", opt.StorageGB),
				"team_members_count": gorm.Expr("team_members_count + ?", opt.TeamMembers),
				"updated_at":         time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&rec, "user_id = ?", opt.UserID).Error
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot increment usage")
	}
	return &rec, nil
}

// Get returns the counters of a user, or nil if none were ever recorded
func (m *Manager) Get(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	result := m.DB.WithContext(ctx).First(&rec, "user_id = ?", userID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get usage")
	}
	return &rec, nil
}

// resetCycle zeroes the per-cycle counters inside tx
func resetCycle(tx *gorm.DB, userID string, now time.Time) error {
	return tx.Model(&Record{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"ai_credits_used":     0,
			"last_usage_reset":    now,
			"monthly_reset_count": gorm.Expr("monthly_reset_count + 1"),
			"updated_at":          now,
		}).Error
}

// Projection is what the user would be billed if the cycle ended now
type Projection struct {
	Tier              tier.Tier   `json:"tier"`
	Usage             Usage       `json:"usage"`
	Limits            tier.Limits `json:"limits"`
	ProjectedOverages Breakdown   `json:"projectedOverages"`
	BillingDate       time.Time   `json:"billingDate"`
}

// NextBillingDate is the first instant of the month after now, in UTC
func NextBillingDate(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Projection computes the overage the user is on track for
func (m *Manager) Projection(ctx context.Context, userID string, now time.Time) (*Projection, error) {
	if userID == "" {
		return nil, errdefs.InvalidArgument("userId is required")
	}
	cust, err := m.Customers.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	t := tier.Free
	if cust != nil {
		t = cust.SubscriptionTier
	}
	rec, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := DefaultUsage()
	if rec != nil {
		u = rec.Usage()
	}
	limits := tier.LimitsFor(t)
	return &Projection{
		Tier:              t,
		Usage:             u,
		Limits:            limits,
		ProjectedOverages: ComputeOverages(u, limits),
		BillingDate:       NextBillingDate(now),
	}, nil
}

// ListBills returns the overage bills of a user, newest first
func (m *Manager) ListBills(ctx context.Context, userID string) ([]OverageBill, error) {
	results := make([]OverageBill, 0, 4)
	if err := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list overage bills")
	}
	return results, nil
}
