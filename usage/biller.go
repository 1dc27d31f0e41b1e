package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/metrics"
	"github.com/zllovesuki/atelier/notification"
	"github.com/zllovesuki/atelier/tier"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationOverageBill is the notification type sent when an overage bill is issued
const NotificationOverageBill = "overage_bill"

// Notifier delivers notifications after the billing state has committed
type Notifier interface {
	Notify(ctx context.Context, msgs ...notification.Message)
}

type BillerOptions struct {
	DB          *gorm.DB
	Customers   Customers
	Gateway     external.Gateway
	Notifier    Notifier
	Logger      *zap.Logger
	Concurrency int
}

// Biller issues the monthly overage invoices
type Biller struct {
	BillerOptions
}

func NewBiller(option BillerOptions) (*Biller, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Concurrency <= 0 {
		option.Concurrency = 4
	}
	if err := option.DB.AutoMigrate(&Record{}, &OverageBill{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize usage.Biller")
	}
	return &Biller{
		BillerOptions: option,
	}, nil
}

// Outcome of billing a single user
type Outcome string

const (
	OutcomeBilled  Outcome = "billed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RunReport summarizes a RunMonthly invocation
type RunReport struct {
	Period    string   `json:"period"`
	Processed int      `json:"processed"`
	Billed    int      `json:"billed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

// BillingPeriod returns the first day of the cycle that just closed as of now
func BillingPeriod(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
}

func periodKey(period time.Time) string {
	return period.Format("2006-01")
}

// RunMonthly bills the overage of every paid user for the cycle preceding now.
// A failure for one user never prevents the others from being billed.
func (b *Biller) RunMonthly(ctx context.Context, now time.Time) (RunReport, error) {
	period := BillingPeriod(now)
	report := RunReport{Period: periodKey(period)}

	customers, err := b.Customers.ListPaid(ctx)
	if err != nil {
		return report, err
	}

	b.Logger.Info("Starting monthly overage billing",
		zap.String("Period", report.Period),
		zap.Int("Customers", len(customers)),
	)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.Concurrency)
	for i := range customers {
		cust := customers[i]
		g.Go(func() error {
			outcome, err := b.billCustomer(gCtx, &cust, period, now.UTC())
			if err != nil {
				b.Logger.Error("Unable to bill overage",
					zap.String("UserID", cust.ID),
					zap.String("Period", report.Period),
					zap.Error(err),
				)
				outcome = OutcomeFailed
			}
			metrics.OverageBills.WithLabelValues(string(outcome)).Inc()

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch outcome {
			case OutcomeBilled:
				report.Billed++
			case OutcomeSkipped:
				report.Skipped++
			case OutcomeFailed:
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, cust.ID)
			}
			return nil
		})
	}
	g.Wait()

	b.Logger.Info("Finished monthly overage billing",
		zap.String("Period", report.Period),
		zap.Int("Billed", report.Billed),
		zap.Int("Skipped", report.Skipped),
		zap.Int("Failed", report.Failed),
	)
	return report, nil
}

func (b *Biller) existingBill(ctx context.Context, userID, period string) (*OverageBill, error) {
	var bill OverageBill
	result := b.DB.WithContext(ctx).First(&bill, "user_id = ? AND billing_period = ?", userID, period)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get overage bill")
	}
	return &bill, nil
}

var errBillSettled = errors.New("overage bill already settled")

func (b *Biller) updateBill(ctx context.Context, bill *OverageBill, columns map[string]interface{}) error {
	result := b.DB.WithContext(ctx).Model(&OverageBill{}).Where("id = ?", bill.ID).Updates(columns)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update overage bill")
	}
	return nil
}

// openBill returns the pending bill of the period, recording one first when none exists.
// A nil bill means there is nothing to charge.
func (b *Biller) openBill(ctx context.Context, logger *zap.Logger, cust *customer.Customer, key string) (*OverageBill, error) {
	existing, err := b.existingBill(ctx, cust.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusBilled {
			logger.Debug("Overage already billed for period")
			return nil, nil
		}
		logger.Info("Resuming pending overage bill", zap.String("BillID", existing.ID))
		return existing, nil
	}

	var rec Record
	result := b.DB.WithContext(ctx).First(&rec, "user_id = ?", cust.ID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get usage")
	}

	breakdown := ComputeOverages(rec.Usage(), tier.LimitsFor(cust.SubscriptionTier))
	if !breakdown.TotalAmount.IsPositive() {
		return nil, nil
	}
	if cust.GatewayCustomerID == "" {
		logger.Warn("Paid customer has overage but no gateway customer, skipping")
		return nil, nil
	}

	bill := &OverageBill{
		ID:               uuid.NewString(),
		UserID:           cust.ID,
		BillingPeriod:    key,
		SubscriptionTier: cust.SubscriptionTier,
		Overages:         breakdown.Details,
		TotalAmount:      breakdown.TotalAmount,
		Status:           StatusPending,
	}
	created := b.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(bill)
	if created.Error != nil {
		return nil, extErrors.Wrap(created.Error, "Cannot record pending overage bill")
	}
	if created.RowsAffected == 0 {
		logger.Debug("Overage bill recorded by another run")
		return nil, nil
	}
	return bill, nil
}

func (b *Biller) billCustomer(ctx context.Context, cust *customer.Customer, period, now time.Time) (Outcome, error) {
	key := periodKey(period)
	logger := b.Logger.With(
		zap.String("UserID", cust.ID),
		zap.String("Period", key),
	)

	bill, err := b.openBill(ctx, logger, cust, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if bill == nil {
		return OutcomeSkipped, nil
	}

	description := fmt.Sprintf("Usage overage charges for %s", period.Format("January 2006"))
	metadata := map[string]string{
		"userId":           cust.ID,
		"subscriptionTier": string(bill.SubscriptionTier),
		"type":             "usage_overage",
		"billingPeriod":    key,
	}
	idem := fmt.Sprintf("overage-%s-%s", cust.ID, key)

	if bill.GatewayInvoiceItemID == "" {
		item, err := b.Gateway.CreateInvoiceItem(ctx, external.InvoiceItemRequest{
			CustomerID:     cust.GatewayCustomerID,
			Amount:         bill.TotalAmount,
			Description:    description,
			Metadata:       metadata,
			IdempotencyKey: idem + "-item",
		})
		if err != nil {
			return OutcomeFailed, errdefs.Gateway(err, "Cannot create overage invoice item")
		}
		bill.GatewayInvoiceItemID = item.ID
		if err := b.updateBill(ctx, bill, map[string]interface{}{"gateway_invoice_item_id": item.ID}); err != nil {
			return OutcomeFailed, err
		}
	}
	if bill.GatewayInvoiceID == "" {
		inv, err := b.Gateway.CreateInvoice(ctx, external.InvoiceRequest{
			CustomerID:     cust.GatewayCustomerID,
			Description:    "Monthly usage overage charges",
			Metadata:       metadata,
			IdempotencyKey: idem + "-invoice",
		})
		if err != nil {
			return OutcomeFailed, errdefs.Gateway(err, "Cannot create overage invoice")
		}
		bill.GatewayInvoiceID = inv.ID
		if err := b.updateBill(ctx, bill, map[string]interface{}{"gateway_invoice_id": inv.ID}); err != nil {
			return OutcomeFailed, err
		}
	}

	inv, err := b.Gateway.GetInvoice(ctx, bill.GatewayInvoiceID)
	if err != nil {
		return OutcomeFailed, errdefs.Gateway(err, "Cannot retrieve overage invoice")
	}
	if inv.Status == stripe.InvoiceStatusDraft {
		if _, err := b.Gateway.FinalizeInvoice(ctx, inv.ID); err != nil {
			return OutcomeFailed, errdefs.Gateway(err, "Cannot finalize overage invoice")
		}
	} else {
		logger.Info("Overage invoice already finalized", zap.String("InvoiceID", inv.ID))
	}

	err = b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&OverageBill{}).
			Where("id = ? AND status = ?", bill.ID, StatusPending).
			Update("status", StatusBilled)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errBillSettled
		}
		return resetCycle(tx, cust.ID, now)
	})
	if errors.Is(err, errBillSettled) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, extErrors.Wrap(err, "Cannot persist overage bill")
	}

	amount := bill.TotalAmount.StringFixed(2)
	logger.Info("Overage billed",
		zap.String("InvoiceID", bill.GatewayInvoiceID),
		zap.String("Amount", amount),
	)

	b.Notifier.Notify(ctx, notification.Message{
		UserID:  cust.ID,
		Type:    NotificationOverageBill,
		Title:   "Usage Overage Charges",
		Message: fmt.Sprintf("You've been charged $%s for usage overages this month. View details in your billing section.", amount),
		Data: map[string]interface{}{
			"amount":    amount,
			"details":   detailsData(bill.Overages),
			"invoiceId": bill.GatewayInvoiceID,
		},
	})
	return OutcomeBilled, nil
}

func detailsData(details []Detail) []interface{} {
	out := make([]interface{}, 0, len(details))
	for _, d := range details {
		out = append(out, map[string]interface{}{
			"type":      d.Type,
			"count":     d.Count.String(),
			"unitPrice": d.UnitPrice.String(),
			"amount":    d.Amount.String(),
		})
	}
	return out
}
