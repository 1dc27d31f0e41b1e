package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zllovesuki/atelier/db"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/notification"
	"github.com/zllovesuki/atelier/tier"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Defining the notification types emitted by the reconciler
const (
	NotifyTierUpgrade           = "tierUpgrade"
	NotifyTierDowngrade         = "tierDowngrade"
	NotifySubscriptionRenewal   = "subscriptionRenewal"
	NotifySubscriptionCancelled = "subscriptionCancelled"
	NotifyPaymentSuccess        = "paymentSuccess"
	NotifyPaymentFailed         = "paymentFailed"
)

const dateLayout = "January 2, 2006"

// resolveUserID finds the ledger user of a gateway object, preferring the userId metadata
func (m *Manager) resolveUserID(ctx context.Context, metadata map[string]string, gatewayCustomer *stripe.Customer) (string, error) {
	if userID := metadata["userId"]; userID != "" {
		return userID, nil
	}
	if gatewayCustomer == nil || gatewayCustomer.ID == "" {
		return "", nil
	}
	cust, err := m.Customers.GetByGatewayCustomerID(ctx, gatewayCustomer.ID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", nil
	}
	return cust.ID, nil
}

// resolveTier maps the first item's price to a tier, by price id then lookup key
func resolveTier(price *stripe.Price) tier.Tier {
	if t := tier.FromPriceID(price.ID); t != tier.Free {
		return t
	}
	return tier.FromPriceID(price.LookupKey)
}

func firstPrice(sub *stripe.Subscription) *stripe.Price {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return nil
	}
	return sub.Items.Data[0].Price
}

func unixOr(ts int64, fallback time.Time) time.Time {
	if ts <= 0 {
		return fallback
	}
	return time.Unix(ts, 0).UTC()
}

func isActiveStatus(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// findLocked reads the ledger row of a gateway subscription under a row lock
func findLocked(tx *gorm.DB, gatewaySubscriptionID string) (*Subscription, error) {
	var row Subscription
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway_subscription_id = ?", gatewaySubscriptionID).
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &row, nil
}

// syncProfileTier makes the profile tier follow the user's active subscription
func (m *Manager) syncProfileTier(ctx context.Context, tx *gorm.DB, userID string) (tier.Tier, error) {
	var active Subscription
	result := tx.Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at desc").
		First(&active)
	effective := tier.Free
	switch {
	case result.Error == nil:
		effective = active.Tier
	case !errors.Is(result.Error, gorm.ErrRecordNotFound):
		return "", result.Error
	}
	if err := m.Customers.SetTier(ctx, tx, userID, effective); err != nil {
		return "", err
	}
	return effective, nil
}

func (m *Manager) profileTier(ctx context.Context, userID string) (tier.Tier, error) {
	cust, err := m.Customers.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cust == nil || cust.SubscriptionTier == "" {
		return tier.Free, nil
	}
	return cust.SubscriptionTier, nil
}

// Reconcile upserts the ledger row of a created or updated gateway subscription. Delivery
// order is not assumed: created and updated events take the same path and duplicate
// deliveries converge on a single row holding the last delivered state.
func (m *Manager) Reconcile(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("subscription is required")
	}
	logger := m.Logger.With(zap.String("SubscriptionID", sub.ID))

	userID, err := m.resolveUserID(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve subscription owner")
	}
	price := firstPrice(sub)
	if userID == "" || price == nil {
		logger.Warn("Subscription has no owner or price, ignoring")
		return nil
	}
	logger = logger.With(zap.String("UserID", userID))

	previousTier, err := m.profileTier(ctx, userID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot load subscription owner")
	}

	now := time.Now().UTC()
	newTier := resolveTier(price)
	isActive := isActiveStatus(sub.Status)
	autoRenew := !sub.CancelAtPeriodEnd
	var gatewayCustomerID string
	if sub.Customer != nil {
		gatewayCustomerID = sub.Customer.ID
	}

	var (
		created     bool
		prev        Subscription
		currentTier tier.Tier
		periodEnd   time.Time
	)
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findLocked(tx, sub.ID)
		if err != nil {
			return err
		}
		if row == nil {
			start := unixOr(sub.StartDate, unixOr(sub.CurrentPeriodStart, now))
			end := unixOr(sub.CurrentPeriodEnd, start)
			if end.Before(start) {
				end = start
			}
			fresh := &Subscription{
				ID:                    uuid.NewString(),
				UserID:                userID,
				Tier:                  newTier,
				GatewayCustomerID:     gatewayCustomerID,
				GatewaySubscriptionID: sub.ID,
				GatewayPriceID:        price.ID,
				Status:                string(sub.Status),
				StartDate:             start,
				EndDate:               end,
				IsActive:              isActive,
				AutoRenew:             autoRenew,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				created = true
				periodEnd = end
			} else {
				// a concurrent delivery inserted first
				row, err = findLocked(tx, sub.ID)
				if err != nil {
					return err
				}
				if row == nil {
					return fmt.Errorf("subscription %s vanished during upsert", sub.ID)
				}
			}
		}
		if row != nil {
			prev = *row
			end := unixOr(sub.CurrentPeriodEnd, row.EndDate)
			if end.Before(row.StartDate) {
				end = row.StartDate
			}
			periodEnd = end
			updates := map[string]interface{}{
				"tier":             newTier,
				"gateway_price_id": price.ID,
				"status":           string(sub.Status),
				"is_active":        isActive,
				"end_date":         end,
				"auto_renew":       autoRenew,
				"updated_at":       now,
			}
			if gatewayCustomerID != "" {
				updates["gateway_customer_id"] = gatewayCustomerID
			}
			if err := tx.Model(&Subscription{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		if isActive {
			if err := tx.Model(&Subscription{}).
				Where("user_id = ? AND gateway_subscription_id <> ? AND is_active = ?", userID, sub.ID, true).
				Updates(map[string]interface{}{"is_active": false, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		currentTier, err = m.syncProfileTier(ctx, tx, userID)
		return err
	}, db.TxOptions(m.DB))
	if err != nil {
		logger.Error("Unable to reconcile subscription",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot reconcile subscription")
	}

	logger.Info("Subscription reconciled",
		zap.Bool("Created", created),
		zap.String("Tier", string(newTier)),
		zap.String("Status", string(sub.Status)),
	)

	msgs := make([]notification.Message, 0, 2)
	if currentTier != previousTier {
		kind, title, text := NotifyTierUpgrade, "Subscription Upgraded", "Your subscription has been upgraded to %s."
		if tier.Rank(currentTier) < tier.Rank(previousTier) {
			kind, title, text = NotifyTierDowngrade, "Subscription Changed", "Your subscription has been changed to %s."
		}
		msgs = append(msgs, notification.Message{
			UserID:  userID,
			Type:    kind,
			Title:   title,
			Message: fmt.Sprintf(text, tier.DisplayName(currentTier)),
			Data: map[string]interface{}{
				"subscriptionId": sub.ID,
				"previousTier":   string(previousTier),
				"tier":           string(currentTier),
			},
		})
	}
	if !created && prev.IsActive && isActive && periodEnd.After(prev.EndDate) {
		msgs = append(msgs, notification.Message{
			UserID:  userID,
			Type:    NotifySubscriptionRenewal,
			Title:   "Subscription Renewed",
			Message: fmt.Sprintf("Your %s subscription has been renewed until %s.", tier.DisplayName(newTier), periodEnd.Format(dateLayout)),
			Data: map[string]interface{}{
				"subscriptionId": sub.ID,
				"tier":           string(newTier),
				"endDate":        periodEnd.Format(time.RFC3339),
			},
		})
	}
	if !created && prev.AutoRenew && !autoRenew {
		msgs = append(msgs, notification.Message{
			UserID:  userID,
			Type:    NotifySubscriptionCancelled,
			Title:   "Subscription Cancelled",
			Message: fmt.Sprintf("Your %s subscription will end on %s.", tier.DisplayName(newTier), periodEnd.Format(dateLayout)),
			Data: map[string]interface{}{
				"subscriptionId": sub.ID,
				"tier":           string(newTier),
				"endDate":        periodEnd.Format(time.RFC3339),
				"pending":        true,
			},
		})
	}
	m.Notifier.Notify(ctx, msgs...)
	return nil
}

// MarkDeleted deactivates the ledger row of a deleted gateway subscription and rolls the
// profile back to free unless another subscription is active
func (m *Manager) MarkDeleted(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("subscription is required")
	}
	logger := m.Logger.With(zap.String("SubscriptionID", sub.ID))

	userID, err := m.resolveUserID(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve subscription owner")
	}
	if userID == "" {
		logger.Warn("Deleted subscription has no owner, ignoring")
		return nil
	}
	logger = logger.With(zap.String("UserID", userID))

	now := time.Now().UTC()
	var (
		existed       bool
		firstDeletion bool
		previous      tier.Tier
		currentTier   tier.Tier
	)
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findLocked(tx, sub.ID)
		if err != nil {
			return err
		}
		if row != nil {
			existed = true
			firstDeletion = row.Status != string(stripe.SubscriptionStatusCanceled)
			previous = row.Tier
			updates := map[string]interface{}{
				"is_active":  false,
				"auto_renew": false,
				"status":     string(stripe.SubscriptionStatusCanceled),
				"updated_at": now,
			}
			if row.CanceledAt == nil {
				updates["canceled_at"] = now
			}
			if err := tx.Model(&Subscription{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		currentTier, err = m.syncProfileTier(ctx, tx, userID)
		return err
	}, db.TxOptions(m.DB))
	if err != nil {
		logger.Error("Unable to mark subscription deleted",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot mark subscription deleted")
	}

	logger.Info("Subscription deleted",
		zap.Bool("Existed", existed),
		zap.String("ProfileTier", string(currentTier)),
	)

	if existed && firstDeletion {
		end := unixOr(sub.CurrentPeriodEnd, now)
		m.Notifier.Notify(ctx, notification.Message{
			UserID:  userID,
			Type:    NotifySubscriptionCancelled,
			Title:   "Subscription Cancelled",
			Message: fmt.Sprintf("Your %s subscription has been cancelled. Your subscription benefits will end on %s.", tier.DisplayName(previous), end.Format(dateLayout)),
			Data: map[string]interface{}{
				"subscriptionId": sub.ID,
				"tier":           string(previous),
				"endDate":        end.Format(time.RFC3339),
			},
		})
	}
	return nil
}

// RecordPayment logs a payment intent outcome that is not tied to a commission. Replays are no-ops.
func (m *Manager) RecordPayment(ctx context.Context, pi *stripe.PaymentIntent, succeeded bool) error {
	if pi == nil || pi.ID == "" {
		return fmt.Errorf("payment intent is required")
	}
	userID, err := m.resolveUserID(ctx, pi.Metadata, pi.Customer)
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve payment owner")
	}
	if userID == "" {
		m.Logger.Debug("Payment intent has no owner, ignoring",
			zap.String("PaymentIntentID", pi.ID),
		)
		return nil
	}
	logger := m.Logger.With(
		zap.String("UserID", userID),
		zap.String("PaymentIntentID", pi.ID),
	)

	entry := &Payment{
		ID:              uuid.NewString(),
		UserID:          userID,
		PaymentIntentID: pi.ID,
		Status:          PaymentSucceeded,
		SubscriptionID:  pi.Metadata["subscriptionId"],
		Amount:          external.FromCents(pi.Amount),
		Currency:        string(pi.Currency),
	}
	if !succeeded {
		entry.Status = PaymentDeclined
		entry.ErrorMessage = "Payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			entry.ErrorMessage = pi.LastPaymentError.Msg
		}
	}
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if result.Error != nil {
		logger.Error("Unable to log payment",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot log payment")
	}
	if result.RowsAffected == 0 {
		logger.Debug("Payment already logged")
		return nil
	}

	currency := entry.Currency
	if currency == "" {
		currency = external.Currency
	}
	data := map[string]interface{}{
		"paymentId":      entry.ID,
		"subscriptionId": entry.SubscriptionID,
		"amount":         entry.Amount.StringFixed(2),
		"currency":       currency,
	}
	if succeeded {
		m.Notifier.Notify(ctx, notification.Message{
			UserID:  userID,
			Type:    NotifyPaymentSuccess,
			Title:   "Payment Successful",
			Message: fmt.Sprintf("Your payment of %s %s was successful.", entry.Amount.StringFixed(2), strings.ToUpper(currency)),
			Data:    data,
		})
		return nil
	}

	details := ""
	if entry.SubscriptionID != "" {
		if ledger, err := m.GetByGatewayID(ctx, entry.SubscriptionID); err == nil && ledger != nil {
			details = fmt.Sprintf(" for your %s", tier.DisplayName(ledger.Tier))
		}
	}
	data["errorMessage"] = entry.ErrorMessage
	m.Notifier.Notify(ctx, notification.Message{
		UserID:  userID,
		Type:    NotifyPaymentFailed,
		Title:   "Payment Failed",
		Message: fmt.Sprintf("Your payment%s failed. Please update your payment method to continue your service.", details),
		Data:    data,
	})
	return nil
}

// MarkInvoice records the outcome of a subscription invoice payment
func (m *Manager) MarkInvoice(ctx context.Context, inv *stripe.Invoice, paid bool) error {
	if inv == nil || inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"payment_status": PaymentPaid,
		"updated_at":     now,
	}
	if paid {
		updates["last_payment_date"] = now
	} else {
		updates["payment_status"] = PaymentFailed
		updates["last_failed_payment"] = now
	}
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("gateway_subscription_id = ?", inv.Subscription.ID).
		Updates(updates)
	if result.Error != nil {
		m.Logger.Error("Unable to record invoice payment",
			zap.String("InvoiceID", inv.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot record invoice payment")
	}
	if result.RowsAffected == 0 {
		m.Logger.Debug("Invoice references an unknown subscription",
			zap.String("InvoiceID", inv.ID),
			zap.String("SubscriptionID", inv.Subscription.ID),
		)
	}
	return nil
}
