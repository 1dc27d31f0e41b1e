package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/earnings"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/notification"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// succeededIntent loads a payment intent and checks it is a settled payment of the given
// type. expectCommissionID is optional.
func (m *Manager) succeededIntent(ctx context.Context, id, paymentType, expectCommissionID string) (*stripe.PaymentIntent, string, error) {
	if id == "" {
		return nil, "", errdefs.InvalidArgument("paymentIntentId is required")
	}
	pi, err := m.Gateway.GetPaymentIntent(ctx, id)
	if err != nil {
		m.Logger.Error("Unable to retrieve payment intent",
			zap.String("PaymentIntentID", id),
			zap.Error(err),
		)
		return nil, "", gatewayError(err, "Cannot retrieve payment intent")
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, "", errdefs.FailedPrecondition("Payment has not succeeded")
	}
	commissionID := pi.Metadata["commissionId"]
	if commissionID == "" {
		return nil, "", errdefs.InvalidArgument("payment intent %s is not tied to a commission", id)
	}
	if expectCommissionID != "" && commissionID != expectCommissionID {
		return nil, "", errdefs.InvalidArgument("payment intent %s does not belong to commission %s", id, expectCommissionID)
	}
	if t := pi.Metadata["type"]; t != paymentType {
		return nil, "", errdefs.InvalidArgument("payment intent %s is a %q payment, not %q", id, t, paymentType)
	}
	return pi, commissionID, nil
}

// clientOf checks that userID is the client of a commission
func (m *Manager) clientOf(ctx context.Context, commissionID, userID string) (*Commission, error) {
	c, err := m.find(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != userID {
		return nil, errdefs.PermissionDenied("Only the client can pay for commission %s", commissionID)
	}
	return c, nil
}

type ConfirmOptions struct {
	CommissionID    string `validate:"required"`
	UserID          string `validate:"required"`
	PaymentIntentID string `validate:"required"`
}

// ConfirmDeposit is the client facing form of HandleDepositConfirmed
func (m *Manager) ConfirmDeposit(ctx context.Context, opt ConfirmOptions) error {
	if err := validate.Struct(&opt); err != nil {
		return invalid(err)
	}
	if _, err := m.clientOf(ctx, opt.CommissionID, opt.UserID); err != nil {
		return err
	}
	return m.confirmDeposit(ctx, opt.PaymentIntentID, opt.CommissionID)
}

// HandleDepositConfirmed moves an accepted commission to inProgress once its deposit has
// settled and credits the artist. Replays of the same payment intent are no-ops.
func (m *Manager) HandleDepositConfirmed(ctx context.Context, paymentIntentID string) error {
	return m.confirmDeposit(ctx, paymentIntentID, "")
}

func (m *Manager) confirmDeposit(ctx context.Context, paymentIntentID, expectCommissionID string) error {
	pi, commissionID, err := m.succeededIntent(ctx, paymentIntentID, PaymentTypeDeposit, expectCommissionID)
	if err != nil {
		return err
	}
	logger := m.Logger.With(zap.String("CommissionID", commissionID), zap.String("PaymentIntentID", pi.ID))

	now := time.Now().UTC()
	var (
		c              *Commission
		from, to       Status
		replay, refund bool
	)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, commissionID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", commissionID)
		}
		c = row
		switch {
		case row.Status == StatusCancelled:
			replay = row.DepositRefundID != ""
			refund = !replay
			return nil
		case row.Status.reached(StatusInProgress) && row.DepositPaymentIntentID == pi.ID:
			replay = true
			return nil
		case row.DepositPaymentIntentID != "" && row.DepositPaymentIntentID != pi.ID:
			return errdefs.FailedPrecondition("payment intent %s is not the deposit of commission %s", pi.ID, row.ID)
		}
		from = row.Status
		to, err = advance(tx, row, EventDepositConfirmed, now, map[string]interface{}{
			"started_at":                now,
			"deposit_payment_intent_id": pi.ID,
		})
		if err != nil {
			return err
		}
		if _, err := m.Earnings.Credit(ctx, tx, earnings.Credit{
			UserID:          row.ArtistID,
			Type:            earnings.TypeCommissionDeposit,
			Amount:          row.DepositAmount,
			SourceID:        row.ID,
			PaymentIntentID: pi.ID,
			Description:     fmt.Sprintf("Commission deposit for \"%s\"", row.Title),
		}); err != nil {
			return err
		}
		return appendMessage(tx, row.ID, MessageSystem, "", "",
			fmt.Sprintf("Deposit of $%s received. Work can begin.", dollars(row.DepositAmount)))
	})
	if err != nil {
		logger.Warn("Unable to confirm deposit", zap.Error(err))
		return extErrors.Wrap(err, "Cannot confirm deposit")
	}
	if replay {
		logger.Info("Deposit already processed")
		return nil
	}
	if refund {
		return m.refundLateDeposit(ctx, c, pi)
	}
	recordTransition(from, to)
	logger.Info("Deposit confirmed")

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ArtistID,
		Type:    NotifyDepositReceived,
		Title:   "Deposit Received",
		Message: fmt.Sprintf("Deposit of $%s received. You can now start work", dollars(c.DepositAmount)),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"clientName":   c.ClientName,
			"amount":       dollars(c.DepositAmount),
		},
	})
	return nil
}

// refundLateDeposit returns a deposit that settled after the commission was cancelled
func (m *Manager) refundLateDeposit(ctx context.Context, c *Commission, pi *stripe.PaymentIntent) error {
	logger := m.Logger.With(zap.String("CommissionID", c.ID), zap.String("PaymentIntentID", pi.ID))

	refund, err := m.Gateway.CreateRefund(ctx, external.RefundRequest{
		PaymentIntentID: pi.ID,
		Metadata: map[string]string{
			"commissionId": c.ID,
			"reason":       "commission_cancelled",
		},
	})
	if err != nil {
		logger.Error("Unable to refund deposit of cancelled commission",
			zap.Error(err),
		)
		return gatewayError(err, "Cannot refund deposit")
	}
	amount := external.FromCents(pi.Amount)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Commission{}).
			Where("id = ? AND (deposit_refund_id = '' OR deposit_refund_id IS NULL)", c.ID).
			Updates(map[string]interface{}{
				"deposit_refund_id": refund.ID,
				"updated_at":        time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return appendMessage(tx, c.ID, MessageSystem, "", "",
			fmt.Sprintf("Deposit of $%s refunded because the commission was cancelled.", dollars(amount)))
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot record deposit refund")
	}
	logger.Info("Refunded deposit of cancelled commission", zap.String("RefundID", refund.ID))

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ClientID,
		Type:    NotifyDepositRefunded,
		Title:   "Deposit Refunded",
		Message: fmt.Sprintf("Your deposit of $%s for \"%s\" has been refunded", dollars(amount), c.Title),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"refundId":     refund.ID,
		},
	})
	return nil
}

type CompleteOptions struct {
	CommissionID  string `validate:"required"`
	ArtistID      string `validate:"required"`
	DeliveryFiles []File `validate:"dive"`
}

type CompleteResult struct {
	CommissionID             string `json:"commissionId"`
	Status                   Status `json:"status"`
	FinalPaymentIntentID     string `json:"finalPaymentIntentId,omitempty"`
	FinalPaymentClientSecret string `json:"finalPaymentClientSecret,omitempty"`
}

// Complete marks the work as done and requests the final payment when one is owed.
// A commission with nothing left to pay is delivered right away.
func (m *Manager) Complete(ctx context.Context, opt CompleteOptions) (*CompleteResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("CommissionID", opt.CommissionID), zap.String("ArtistID", opt.ArtistID))

	c, err := m.find(ctx, opt.CommissionID)
	if err != nil {
		return nil, err
	}
	if c.ArtistID != opt.ArtistID {
		return nil, errdefs.PermissionDenied("Only the artist can complete the commission")
	}
	if _, err := Transition(c.Status, EventComplete); err != nil {
		return nil, err
	}

	due, err := finalDue(m.DB.WithContext(ctx), c)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot compute final payment")
	}

	var pi *stripe.PaymentIntent
	if due.IsPositive() {
		client, err := m.Customers.GetByID(ctx, c.ClientID)
		if err != nil {
			return nil, err
		}
		if client == nil || client.GatewayCustomerID == "" {
			logger.Warn("Client has no gateway customer, skipping final payment intent")
		} else {
			pi, err = m.Gateway.CreatePaymentIntent(ctx, external.PaymentIntentRequest{
				CustomerID:  client.GatewayCustomerID,
				Amount:      due,
				Description: fmt.Sprintf("Final payment for commission \"%s\"", c.Title),
				Metadata: map[string]string{
					"commissionId": c.ID,
					"type":         PaymentTypeFinal,
					"clientId":     c.ClientID,
					"artistId":     c.ArtistID,
				},
				IdempotencyKey: fmt.Sprintf("commission-%s-final-%d", c.ID, external.ToCents(due)),
			})
			if err != nil {
				logger.Error("Unable to create final payment intent",
					zap.Error(err),
				)
				return nil, errdefs.Gateway(err, "Cannot create final payment intent")
			}
		}
	}

	now := time.Now().UTC()
	files := make([]File, 0, len(opt.DeliveryFiles))
	for _, f := range opt.DeliveryFiles {
		f.UploadedBy = opt.ArtistID
		if f.UploadedAt.IsZero() {
			f.UploadedAt = now
		}
		files = append(files, f)
	}

	var (
		hops      [][2]Status
		delivered bool
	)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, c.ID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", c.ID)
		}
		owed, err := finalDue(tx, row)
		if err != nil {
			return err
		}
		if !owed.Equal(due) {
			return errdefs.FailedPrecondition("payments of commission %s changed while completing", row.ID)
		}
		columns := map[string]interface{}{
			"completed_at": now,
			"final_due":    due,
			"files":        append(row.Files, files...),
		}
		if pi != nil {
			columns["final_payment_intent_id"] = pi.ID
		}
		from := row.Status
		to, err := advance(tx, row, EventComplete, now, columns)
		if err != nil {
			return err
		}
		hops = append(hops, [2]Status{from, to})
		body := fmt.Sprintf("%s marked the commission as completed", row.ArtistName)
		if len(files) > 0 {
			body += fmt.Sprintf(" and attached %d file(s)", len(files))
		}
		if err := appendMessage(tx, row.ID, MessageSystem, "", "", body); err != nil {
			return err
		}
		if due.IsPositive() {
			return nil
		}
		row.Status = to
		end, err := advance(tx, row, EventFinalConfirmed, now, map[string]interface{}{
			"delivered_at": now,
		})
		if err != nil {
			return err
		}
		hops = append(hops, [2]Status{to, end})
		delivered = true
		return appendMessage(tx, row.ID, MessageSystem, "", "", "Nothing left to pay. Commission delivered.")
	})
	if err != nil {
		logger.Warn("Unable to complete commission", zap.Error(err))
		return nil, extErrors.Wrap(err, "Cannot complete commission")
	}
	for _, hop := range hops {
		recordTransition(hop[0], hop[1])
	}

	msgs := []notification.Message{{
		UserID:  c.ClientID,
		Type:    NotifyCompleted,
		Title:   "Commission Completed",
		Message: fmt.Sprintf("%s has completed your commission", c.ArtistName),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"artistName":   c.ArtistName,
			"finalAmount":  dollars(due),
		},
	}}
	if delivered {
		msgs = append(msgs, deliveredMessage(c))
	}
	m.Notifier.Notify(ctx, msgs...)

	result := &CompleteResult{
		CommissionID: c.ID,
		Status:       hops[len(hops)-1][1],
	}
	if pi != nil {
		result.FinalPaymentIntentID = pi.ID
		result.FinalPaymentClientSecret = pi.ClientSecret
	}
	return result, nil
}

func deliveredMessage(c *Commission) notification.Message {
	return notification.Message{
		UserID:  c.ClientID,
		Type:    NotifyDelivered,
		Title:   "Commission Delivered",
		Message: fmt.Sprintf("Your commission from %s has been delivered", c.ArtistName),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"artistName":   c.ArtistName,
		},
	}
}

// ConfirmFinalPayment is the client facing form of HandleFinalPaymentConfirmed
func (m *Manager) ConfirmFinalPayment(ctx context.Context, opt ConfirmOptions) error {
	if err := validate.Struct(&opt); err != nil {
		return invalid(err)
	}
	if _, err := m.clientOf(ctx, opt.CommissionID, opt.UserID); err != nil {
		return err
	}
	return m.confirmFinal(ctx, opt.PaymentIntentID, opt.CommissionID)
}

// HandleFinalPaymentConfirmed delivers a completed commission once its final payment has
// settled and credits the artist. Replays of the same payment intent are no-ops.
func (m *Manager) HandleFinalPaymentConfirmed(ctx context.Context, paymentIntentID string) error {
	return m.confirmFinal(ctx, paymentIntentID, "")
}

func (m *Manager) confirmFinal(ctx context.Context, paymentIntentID, expectCommissionID string) error {
	pi, commissionID, err := m.succeededIntent(ctx, paymentIntentID, PaymentTypeFinal, expectCommissionID)
	if err != nil {
		return err
	}
	logger := m.Logger.With(zap.String("CommissionID", commissionID), zap.String("PaymentIntentID", pi.ID))

	now := time.Now().UTC()
	var (
		c        *Commission
		from, to Status
		replay   bool
	)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, commissionID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", commissionID)
		}
		c = row
		if row.Status == StatusDelivered && row.FinalPaymentIntentID == pi.ID {
			replay = true
			return nil
		}
		if row.FinalPaymentIntentID != "" && row.FinalPaymentIntentID != pi.ID {
			return errdefs.FailedPrecondition("payment intent %s is not the final payment of commission %s", pi.ID, row.ID)
		}
		if pi.Amount != external.ToCents(row.FinalDue) {
			return errdefs.FailedPrecondition("payment intent %s does not match the $%s owed on commission %s", pi.ID, dollars(row.FinalDue), row.ID)
		}
		from = row.Status
		to, err = advance(tx, row, EventFinalConfirmed, now, map[string]interface{}{
			"delivered_at":            now,
			"final_payment_intent_id": pi.ID,
		})
		if err != nil {
			return err
		}
		if row.FinalDue.IsPositive() {
			if _, err := m.Earnings.Credit(ctx, tx, earnings.Credit{
				UserID:          row.ArtistID,
				Type:            earnings.TypeCommissionFinal,
				Amount:          row.FinalDue,
				SourceID:        row.ID,
				PaymentIntentID: pi.ID,
				Description:     fmt.Sprintf("Final payment for commission \"%s\"", row.Title),
			}); err != nil {
				return err
			}
		}
		return appendMessage(tx, row.ID, MessageSystem, "", "",
			fmt.Sprintf("Final payment of $%s received. Commission delivered.", dollars(row.FinalDue)))
	})
	if err != nil {
		logger.Warn("Unable to confirm final payment", zap.Error(err))
		return extErrors.Wrap(err, "Cannot confirm final payment")
	}
	if replay {
		logger.Info("Final payment already processed")
		return nil
	}
	recordTransition(from, to)
	logger.Info("Final payment confirmed")

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ArtistID,
		Type:    NotifyFinalPaymentReceived,
		Title:   "Final Payment Received",
		Message: fmt.Sprintf("Final payment of $%s received", dollars(c.FinalDue)),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"clientName":   c.ClientName,
			"amount":       dollars(c.FinalDue),
		},
	}, deliveredMessage(c))
	return nil
}

func findMilestoneLocked(tx *gorm.DB, commissionID, milestoneID string) (*Milestone, error) {
	var ms Milestone
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND commission_id = ?", milestoneID, commissionID).
		First(&ms)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &ms, nil
}

type MilestonePayOptions struct {
	CommissionID string `validate:"required"`
	MilestoneID  string `validate:"required"`
	ClientID     string `validate:"required"`
}

type PaymentResult struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
	Amount          string `json:"amount"`
}

// RequestMilestonePayment creates the payment intent of a pending milestone. The deposit
// milestone returns the intent created on acceptance.
func (m *Manager) RequestMilestonePayment(ctx context.Context, opt MilestonePayOptions) (*PaymentResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("CommissionID", opt.CommissionID), zap.String("MilestoneID", opt.MilestoneID))

	c, err := m.clientOf(ctx, opt.CommissionID, opt.ClientID)
	if err != nil {
		return nil, err
	}

	if opt.MilestoneID == DepositMilestoneID {
		if c.Status != StatusAccepted || c.DepositPaymentIntentID == "" {
			return nil, errdefs.FailedPrecondition("the deposit of commission %s is not awaiting payment", c.ID)
		}
		pi, err := m.Gateway.GetPaymentIntent(ctx, c.DepositPaymentIntentID)
		if err != nil {
			return nil, gatewayError(err, "Cannot retrieve deposit payment intent")
		}
		return &PaymentResult{
			PaymentIntentID: pi.ID,
			ClientSecret:    pi.ClientSecret,
			Amount:          dollars(c.DepositAmount),
		}, nil
	}

	if c.Status != StatusInProgress {
		return nil, errdefs.FailedPrecondition("milestones of commission %s cannot be paid while it is %s", c.ID, c.Status)
	}
	var ms Milestone
	result := m.DB.WithContext(ctx).First(&ms, "id = ? AND commission_id = ?", opt.MilestoneID, c.ID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("Milestone %s not found", opt.MilestoneID)
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get milestone")
	}
	if ms.Status == MilestonePaid {
		return nil, errdefs.FailedPrecondition("milestone %s is already paid", ms.ID)
	}

	customerID, err := m.Customers.EnsureGatewayCustomer(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}
	pi, err := m.Gateway.CreatePaymentIntent(ctx, external.PaymentIntentRequest{
		CustomerID:  customerID,
		Amount:      ms.Amount,
		Description: fmt.Sprintf("Milestone \"%s\" for commission \"%s\"", ms.Title, c.Title),
		Metadata: map[string]string{
			"commissionId": c.ID,
			"type":         PaymentTypeMilestone,
			"milestoneId":  ms.ID,
			"clientId":     c.ClientID,
			"artistId":     c.ArtistID,
		},
		IdempotencyKey: "commission-" + c.ID + "-milestone-" + ms.ID,
	})
	if err != nil {
		logger.Error("Unable to create milestone payment intent",
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot create milestone payment intent")
	}
	return &PaymentResult{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          dollars(ms.Amount),
	}, nil
}

type MilestoneConfirmOptions struct {
	CommissionID    string `validate:"required"`
	MilestoneID     string `validate:"required"`
	UserID          string `validate:"required"`
	PaymentIntentID string `validate:"required"`
}

// ConfirmMilestonePayment is the client facing form of HandleMilestonePayment
func (m *Manager) ConfirmMilestonePayment(ctx context.Context, opt MilestoneConfirmOptions) error {
	if err := validate.Struct(&opt); err != nil {
		return invalid(err)
	}
	if _, err := m.clientOf(ctx, opt.CommissionID, opt.UserID); err != nil {
		return err
	}
	return m.HandleMilestonePayment(ctx, opt.CommissionID, opt.MilestoneID, opt.PaymentIntentID)
}

// HandleMilestonePayment marks a milestone paid and credits the artist without moving the
// commission itself. The deposit milestone takes the deposit transition instead.
func (m *Manager) HandleMilestonePayment(ctx context.Context, commissionID, milestoneID, paymentIntentID string) error {
	if milestoneID == "" {
		return errdefs.InvalidArgument("milestoneId is required")
	}
	if milestoneID == DepositMilestoneID {
		return m.confirmDeposit(ctx, paymentIntentID, commissionID)
	}
	pi, commissionID, err := m.succeededIntent(ctx, paymentIntentID, PaymentTypeMilestone, commissionID)
	if err != nil {
		return err
	}
	if id := pi.Metadata["milestoneId"]; id != "" && id != milestoneID {
		return errdefs.InvalidArgument("payment intent %s belongs to milestone %s", pi.ID, id)
	}
	logger := m.Logger.With(
		zap.String("CommissionID", commissionID),
		zap.String("MilestoneID", milestoneID),
		zap.String("PaymentIntentID", pi.ID),
	)

	now := time.Now().UTC()
	var (
		c              *Commission
		ms             *Milestone
		replay, refund bool
	)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, commissionID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", commissionID)
		}
		if !row.Status.reached(StatusInProgress) {
			return errdefs.FailedPrecondition("milestones of commission %s cannot be paid while it is %s", row.ID, row.Status)
		}
		c = row
		ms, err = findMilestoneLocked(tx, row.ID, milestoneID)
		if err != nil {
			return err
		}
		if ms == nil {
			return errdefs.NotFound("Milestone %s not found", milestoneID)
		}
		if ms.RefundID != "" && ms.PaymentIntentID == pi.ID {
			replay = true
			return nil
		}
		if ms.Status != MilestonePaid && row.Status != StatusInProgress {
			// the final payment already covers this milestone
			refund = true
			return nil
		}
		if ms.Status == MilestonePaid {
			if ms.PaymentIntentID == pi.ID {
				replay = true
				return nil
			}
			return errdefs.FailedPrecondition("milestone %s is already paid", ms.ID)
		}
		if err := tx.Model(&Milestone{}).Where("id = ?", ms.ID).Updates(map[string]interface{}{
			"status":            MilestonePaid,
			"paid_at":           now,
			"payment_intent_id": pi.ID,
		}).Error; err != nil {
			return err
		}
		if _, err := m.Earnings.Credit(ctx, tx, earnings.Credit{
			UserID:          row.ArtistID,
			Type:            earnings.TypeCommissionMilestone,
			Amount:          ms.Amount,
			SourceID:        row.ID,
			PaymentIntentID: pi.ID,
			Description:     fmt.Sprintf("Milestone \"%s\" for commission \"%s\"", ms.Title, row.Title),
		}); err != nil {
			return err
		}
		return appendMessage(tx, row.ID, MessageSystem, "", "",
			fmt.Sprintf("Milestone \"%s\" paid ($%s).", ms.Title, dollars(ms.Amount)))
	})
	if err != nil {
		logger.Warn("Unable to confirm milestone payment", zap.Error(err))
		return extErrors.Wrap(err, "Cannot confirm milestone payment")
	}
	if replay {
		logger.Info("Milestone payment already processed")
		return nil
	}
	if refund {
		return m.refundLateMilestone(ctx, c, ms, pi)
	}
	logger.Info("Milestone paid")

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ArtistID,
		Type:    NotifyMilestonePaid,
		Title:   "Milestone Paid",
		Message: fmt.Sprintf("Milestone payment of $%s received for \"%s\"", dollars(ms.Amount), ms.Title),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"milestoneId":  ms.ID,
			"amount":       dollars(ms.Amount),
		},
	})
	return nil
}

// refundLateMilestone returns a milestone payment that settled after the commission was completed
func (m *Manager) refundLateMilestone(ctx context.Context, c *Commission, ms *Milestone, pi *stripe.PaymentIntent) error {
	logger := m.Logger.With(
		zap.String("CommissionID", c.ID),
		zap.String("MilestoneID", ms.ID),
		zap.String("PaymentIntentID", pi.ID),
	)

	refund, err := m.Gateway.CreateRefund(ctx, external.RefundRequest{
		PaymentIntentID: pi.ID,
		Metadata: map[string]string{
			"commissionId": c.ID,
			"milestoneId":  ms.ID,
			"reason":       "covered_by_final_payment",
		},
	})
	if err != nil {
		logger.Error("Unable to refund late milestone payment",
			zap.Error(err),
		)
		return gatewayError(err, "Cannot refund milestone payment")
	}
	amount := external.FromCents(pi.Amount)
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Milestone{}).
			Where("id = ? AND (refund_id = '' OR refund_id IS NULL)", ms.ID).
			Updates(map[string]interface{}{
				"payment_intent_id": pi.ID,
				"refund_id":         refund.ID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return appendMessage(tx, c.ID, MessageSystem, "", "",
			fmt.Sprintf("Milestone \"%s\" payment of $%s refunded because the final payment already covers it.", ms.Title, dollars(amount)))
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot record milestone refund")
	}
	logger.Info("Refunded late milestone payment", zap.String("RefundID", refund.ID))

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ClientID,
		Type:    NotifyMilestoneRefunded,
		Title:   "Milestone Payment Refunded",
		Message: fmt.Sprintf("Your payment of $%s for \"%s\" has been refunded", dollars(amount), ms.Title),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"milestoneId":  ms.ID,
			"refundId":     refund.ID,
		},
	})
	return nil
}

// finalDue is FinalAmount less the milestones already paid
func finalDue(tx *gorm.DB, c *Commission) (decimal.Decimal, error) {
	var paid []Milestone
	if err := tx.Where("commission_id = ? AND status = ?", c.ID, MilestonePaid).Find(&paid).Error; err != nil {
		return decimal.Zero, err
	}
	due := c.FinalAmount
	for _, ms := range paid {
		due = due.Sub(ms.Amount)
	}
	if due.IsNegative() {
		return decimal.Zero, nil
	}
	return due, nil
}
