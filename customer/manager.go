package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/tier"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB      *gorm.DB
	Gateway external.Gateway
	Logger  *zap.Logger
}

// Manager handles the database operations relating to Customers
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for customers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Save creates or replaces a customer profile
func (m *Manager) Save(ctx context.Context, cust *Customer) error {
	if cust.ID == "" {
		return errdefs.InvalidArgument("customer id is required")
	}
	if cust.SubscriptionTier == "" {
		cust.SubscriptionTier = tier.Free
	}
	if cust.NotificationPreferences == nil {
		cust.NotificationPreferences = map[string]interface{}{}
	}
	result := m.DB.WithContext(ctx).Save(cust)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save customer")
	}
	return nil
}

// EnsureProfile returns the profile of id, creating a free one from the login claims when missing
func (m *Manager) EnsureProfile(ctx context.Context, id, email string) (*Customer, error) {
	if id == "" {
		return nil, errdefs.InvalidArgument("customer id is required")
	}
	cust, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cust != nil {
		if cust.Email == "" && email != "" {
			if err := m.DB.WithContext(ctx).Model(cust).Update("email", email).Error; err != nil {
				return nil, extErrors.Wrap(err, "Cannot update customer email")
			}
		}
		return cust, nil
	}

	newCustomer := &Customer{
		ID:                      id,
		Email:                   email,
		SubscriptionTier:        tier.Free,
		NotificationPreferences: map[string]interface{}{},
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newCustomer)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create a new Customer")
	}
	if result.RowsAffected == 0 {
		// lost the race to a concurrent first request
		return m.GetByID(ctx, id)
	}
	m.Logger.Info("Customer profile created", zap.String("UserID", id))
	return newCustomer, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	return m.getBy(ctx, "id = ?", id)
}

// GetByGatewayCustomerID will try to return the customer linked to a Stripe customer
func (m *Manager) GetByGatewayCustomerID(ctx context.Context, gatewayID string) (*Customer, error) {
	if gatewayID == "" {
		return nil, nil
	}
	return m.getBy(ctx, "gateway_customer_id = ?", gatewayID)
}

func (m *Manager) getBy(ctx context.Context, query string, arg string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).First(&cust, query, arg)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer")
	}

	return &cust, nil
}

// ListPaid returns every customer whose profile is on a billed tier
func (m *Manager) ListPaid(ctx context.Context) ([]Customer, error) {
	results := make([]Customer, 0, 16)
	result := m.DB.WithContext(ctx).
		Where("subscription_tier <> ?", tier.Free).
		Order("id").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list paid customers")
	}
	return results, nil
}

// SetTier updates the tier shown on the profile. tx may be nil.
func (m *Manager) SetTier(ctx context.Context, tx *gorm.DB, userID string, t tier.Tier) error {
	if tx == nil {
		tx = m.DB.WithContext(ctx)
	}
	result := tx.Model(&Customer{}).Where("id = ?", userID).Update("subscription_tier", t)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update customer tier")
	}
	return nil
}

// SetPreferences replaces the notification opt-outs of a customer
func (m *Manager) SetPreferences(ctx context.Context, userID string, prefs map[string]bool) error {
	stored := make(map[string]interface{}, len(prefs))
	for k, v := range prefs {
		stored[k] = v
	}
	result := m.DB.WithContext(ctx).Model(&Customer{}).
		Where("id = ?", userID).
		Update("notification_preferences", datatypes.JSONMap(stored))
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update notification preferences")
	}
	if result.RowsAffected == 0 {
		return errdefs.NotFound("customer %s not found", userID)
	}
	return nil
}

// EnsureGatewayCustomer returns the Stripe customer id of a user, creating and
// persisting one on first use. Concurrent callers converge on the first stored id.
func (m *Manager) EnsureGatewayCustomer(ctx context.Context, userID string) (string, error) {
	logger := m.Logger.With(zap.String("UserID", userID))

	cust, err := m.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", errdefs.NotFound("customer %s not found", userID)
	}
	if cust.GatewayCustomerID != "" {
		return cust.GatewayCustomerID, nil
	}

	gc, err := m.Gateway.CreateCustomer(ctx, external.CustomerRequest{
		Email: cust.Email,
		Name:  cust.PartyName(""),
		Metadata: map[string]string{
			"userId": userID,
		},
	})
	if err != nil {
		logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return "", errdefs.Gateway(err, "Cannot create a new Customer")
	}

	result := m.DB.WithContext(ctx).Model(&Customer{}).
		Where("id = ? AND (gateway_customer_id = '' OR gateway_customer_id IS NULL)", userID).
		Update("gateway_customer_id", gc.ID)
	if result.Error != nil {
		logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot persist gateway customer")
	}
	if result.RowsAffected == 0 {
		cust, err = m.GetByID(ctx, userID)
		if err != nil {
			return "", err
		}
		logger.Warn("Gateway customer was provisioned concurrently, discarding ours",
			zap.String("Discarded", gc.ID),
			zap.String("GatewayCustomerID", cust.GatewayCustomerID),
		)
		return cust.GatewayCustomerID, nil
	}
	return gc.ID, nil
}
