package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/notification"
	"github.com/zllovesuki/atelier/tier"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate *validator.Validate = validator.New()

// Customers is the subset of the customer manager the reconciler depends on
type Customers interface {
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
	GetByGatewayCustomerID(ctx context.Context, gatewayID string) (*customer.Customer, error)
	EnsureGatewayCustomer(ctx context.Context, userID string) (string, error)
	SetTier(ctx context.Context, tx *gorm.DB, userID string, t tier.Tier) error
}

// Notifier delivers notifications after the ledger state has committed
type Notifier interface {
	Notify(ctx context.Context, msgs ...notification.Message)
}

type ManagerOptions struct {
	DB        *gorm.DB
	Gateway   external.Gateway
	Customers Customers
	Notifier  Notifier
	Logger    *zap.Logger
}

// Manager keeps subscriptions consistent between the gateway and the ledger
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Payment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
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

func gatewayError(err error, message string) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
		return errdefs.NotFound("%s", serr.Msg)
	}
	return errdefs.Gateway(err, message)
}

// owned retrieves a gateway subscription and verifies it belongs to userID
func (m *Manager) owned(ctx context.Context, subscriptionID, userID string) (*stripe.Subscription, error) {
	sub, err := m.Gateway.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, gatewayError(err, "Cannot retrieve subscription")
	}
	if sub.Metadata["userId"] != userID {
		m.Logger.Warn("Subscription ownership mismatch",
			zap.String("UserID", userID),
			zap.String("SubscriptionID", subscriptionID),
		)
		return nil, errdefs.PermissionDenied("not authorized to modify subscription %s", subscriptionID)
	}
	return sub, nil
}

type CreateOptions struct {
	CustomerID string `validate:"required"`
	PriceID    string `validate:"required"`
	UserID     string `validate:"required"`
}

type CreateResult struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	ClientSecret   string `json:"clientSecret,omitempty"`
}

// Create starts an incomplete gateway subscription. The ledger row is written by the webhook.
func (m *Manager) Create(ctx context.Context, opt CreateOptions) (*CreateResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("UserID", opt.UserID))

	sub, err := m.Gateway.CreateSubscription(ctx, external.SubscriptionRequest{
		CustomerID: opt.CustomerID,
		PriceID:    opt.PriceID,
		Metadata: map[string]string{
			"userId": opt.UserID,
		},
	})
	if err != nil {
		logger.Error("Unable to setup subscription in Stripe",
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot create subscription")
	}

	result := &CreateResult{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		result.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return result, nil
}

type ChangeTierOptions struct {
	SubscriptionID string `validate:"required"`
	NewPriceID     string `validate:"required"`
	UserID         string `validate:"required"`
	Prorated       bool
}

type ChangeResult struct {
	SubscriptionID    string `json:"subscriptionId"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd"`
}

// ChangeTier swaps the price of the subscription's single item
func (m *Manager) ChangeTier(ctx context.Context, opt ChangeTierOptions) (*ChangeResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	sub, err := m.owned(ctx, opt.SubscriptionID, opt.UserID)
	if err != nil {
		return nil, err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, errdefs.FailedPrecondition("subscription %s has no items", opt.SubscriptionID)
	}

	updated, err := m.Gateway.UpdateSubscription(ctx, opt.SubscriptionID, external.SubscriptionUpdate{
		ItemID:  sub.Items.Data[0].ID,
		PriceID: opt.NewPriceID,
		Prorate: stripe.Bool(opt.Prorated),
		Metadata: map[string]string{
			"userId":    opt.UserID,
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		m.Logger.Error("Unable to change subscription tier",
			zap.String("UserID", opt.UserID),
			zap.String("SubscriptionID", opt.SubscriptionID),
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot change subscription tier")
	}
	return &ChangeResult{
		SubscriptionID:    updated.ID,
		Status:            string(updated.Status),
		CancelAtPeriodEnd: updated.CancelAtPeriodEnd,
	}, nil
}

type CancelOptions struct {
	SubscriptionID string `validate:"required"`
	UserID         string `validate:"required"`
	AtPeriodEnd    bool
}

// Cancel flags the subscription to end with the current period, or cancels it right away
func (m *Manager) Cancel(ctx context.Context, opt CancelOptions) (*ChangeResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	if _, err := m.owned(ctx, opt.SubscriptionID, opt.UserID); err != nil {
		return nil, err
	}

	var (
		sub *stripe.Subscription
		err error
	)
	if opt.AtPeriodEnd {
		sub, err = m.Gateway.UpdateSubscription(ctx, opt.SubscriptionID, external.SubscriptionUpdate{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		sub, err = m.Gateway.CancelSubscription(ctx, opt.SubscriptionID)
	}
	if err != nil {
		m.Logger.Error("Unable to cancel subscription on Stripe",
			zap.String("UserID", opt.UserID),
			zap.String("SubscriptionID", opt.SubscriptionID),
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot cancel subscription")
	}
	return &ChangeResult{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}

type PauseOptions struct {
	SubscriptionID string `validate:"required"`
	UserID         string `validate:"required"`
	Behavior       string `validate:"omitempty,oneof=void keep_as_draft mark_uncollectible"`
}

// Pause stops payment collection without cancelling the subscription
func (m *Manager) Pause(ctx context.Context, opt PauseOptions) (*ChangeResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	if opt.Behavior == "" {
		opt.Behavior = "void"
	}
	if _, err := m.owned(ctx, opt.SubscriptionID, opt.UserID); err != nil {
		return nil, err
	}
	sub, err := m.Gateway.UpdateSubscription(ctx, opt.SubscriptionID, external.SubscriptionUpdate{
		PauseBehavior: opt.Behavior,
		Metadata: map[string]string{
			"pausedAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, errdefs.Gateway(err, "Cannot pause subscription")
	}
	return &ChangeResult{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}

type RefundOptions struct {
	SubscriptionID    string `validate:"required"`
	PaymentIntentID   string `validate:"required"`
	UserID            string `validate:"required"`
	Reason            string `validate:"required"`
	AdditionalDetails string
}

type RefundResult struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
}

// paidFor reports whether pi settled an invoice of sub. Intents without an expanded invoice must at
// least be charged to the subscription's customer and carry no commission.
func paidFor(pi *stripe.PaymentIntent, sub *stripe.Subscription) bool {
	if pi.Invoice != nil && pi.Invoice.Subscription != nil {
		return pi.Invoice.Subscription.ID == sub.ID
	}
	if pi.Metadata["commissionId"] != "" {
		return false
	}
	return pi.Customer != nil && sub.Customer != nil && pi.Customer.ID == sub.Customer.ID
}

// RequestRefund refunds a payment of the subscription and cancels the subscription if it is still running
func (m *Manager) RequestRefund(ctx context.Context, opt RefundOptions) (*RefundResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(
		zap.String("UserID", opt.UserID),
		zap.String("SubscriptionID", opt.SubscriptionID),
	)
	sub, err := m.owned(ctx, opt.SubscriptionID, opt.UserID)
	if err != nil {
		return nil, err
	}
	pi, err := m.Gateway.GetPaymentIntent(ctx, opt.PaymentIntentID)
	if err != nil {
		return nil, gatewayError(err, "Cannot retrieve payment intent")
	}
	if !paidFor(pi, sub) {
		logger.Warn("Refund requested for a payment outside the subscription",
			zap.String("PaymentIntentID", opt.PaymentIntentID),
		)
		return nil, errdefs.PermissionDenied("payment %s does not belong to subscription %s", opt.PaymentIntentID, opt.SubscriptionID)
	}

	refund, err := m.Gateway.CreateRefund(ctx, external.RefundRequest{
		PaymentIntentID: opt.PaymentIntentID,
		Metadata: map[string]string{
			"userId":            opt.UserID,
			"subscriptionId":    opt.SubscriptionID,
			"reason":            opt.Reason,
			"additionalDetails": opt.AdditionalDetails,
		},
	})
	if err != nil {
		logger.Error("Unable to create refund",
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot create refund")
	}

	if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
		if _, err := m.Gateway.CancelSubscription(ctx, opt.SubscriptionID); err != nil {
			logger.Error("Refund issued but subscription could not be cancelled",
				zap.String("RefundID", refund.ID),
				zap.Error(err),
			)
			return nil, errdefs.Gateway(err, "Cannot cancel refunded subscription")
		}
	}

	entry := &Payment{
		ID:              uuid.NewString(),
		UserID:          opt.UserID,
		PaymentIntentID: opt.PaymentIntentID,
		Status:          PaymentRefunded,
		SubscriptionID:  opt.SubscriptionID,
		Amount:          external.FromCents(refund.Amount),
		Currency:        external.Currency,
		RefundID:        refund.ID,
	}
	if err := m.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error; err != nil {
		logger.Error("Unable to log refund",
			zap.String("RefundID", refund.ID),
			zap.Error(err),
		)
	}

	return &RefundResult{
		RefundID: refund.ID,
		Status:   string(refund.Status),
	}, nil
}

// GetByGatewayID returns the ledger row of a gateway subscription, or nil if none exists
func (m *Manager) GetByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "gateway_subscription_id = ?", gatewaySubscriptionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription")
	}
	return &sub, nil
}

// List returns the subscriptions of a user, newest first
func (m *Manager) List(ctx context.Context, userID string) ([]Subscription, error) {
	if userID == "" {
		return nil, errdefs.InvalidArgument("userId is required")
	}
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscriptions")
	}
	return results, nil
}

// ListPayments returns the payments log of a user, newest first
func (m *Manager) ListPayments(ctx context.Context, userID string) ([]Payment, error) {
	results := make([]Payment, 0, 4)
	if err := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list payments")
	}
	return results, nil
}
