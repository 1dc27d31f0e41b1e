// Package webhook receives Stripe events and reconciles them into the ledger
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zllovesuki/atelier/commission"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/metrics"
	resp "github.com/zllovesuki/atelier/response"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	stripeWebhook "github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const (
	bodyLimit = 1024 * 1024 // 1 MiB

	// Stripe retries a failed delivery for up to three days
	seenTTL = 72 * time.Hour
)

const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// Subscriptions is the part of the subscription reconciler fed by webhooks
type Subscriptions interface {
	Reconcile(ctx context.Context, sub *stripe.Subscription) error
	MarkDeleted(ctx context.Context, sub *stripe.Subscription) error
	RecordPayment(ctx context.Context, pi *stripe.PaymentIntent, succeeded bool) error
	MarkInvoice(ctx context.Context, inv *stripe.Invoice, paid bool) error
}

// Commissions is the part of the escrow workflow fed by webhooks
type Commissions interface {
	HandleDepositConfirmed(ctx context.Context, paymentIntentID string) error
	HandleFinalPaymentConfirmed(ctx context.Context, paymentIntentID string) error
	HandleMilestonePayment(ctx context.Context, commissionID, milestoneID, paymentIntentID string) error
}

// Deduper remembers event ids that were already handled
type Deduper interface {
	Seen(key string) (bool, error)
	MarkSeen(key string, ttl time.Duration) error
}

type HandlerOptions struct {
	Secret        string
	Subscriptions Subscriptions
	Commissions   Commissions
	Deduper       Deduper // optional
	Logger        *zap.Logger
}

// Handler verifies Stripe-Signature and dispatches events by type
type Handler struct {
	HandlerOptions
}

func NewHandler(option HandlerOptions) (*Handler, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Commissions == nil {
		return nil, fmt.Errorf("nil Commissions is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Handler{
		HandlerOptions: option,
	}, nil
}

func received(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	outcome := outcomeRejected
	defer func() {
		metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}()

	if r.Method != http.MethodPost {
		resp.WriteError(w, r, resp.ErrMethodNotAllowed())
		return
	}
	if strings.TrimSpace(h.Secret) == "" {
		resp.WriteError(w, r, resp.ErrServiceUnavailable().AddMessages("Webhook secret not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing Stripe-Signature header"))
		return
	}
	event, err := stripeWebhook.ConstructEvent(payload, sig, h.Secret)
	if err != nil {
		h.Logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		resp.WriteError(w, r, errdefs.WebhookSignatureInvalid(err))
		return
	}
	eventType = string(event.Type)
	logger := h.Logger.With(zap.String("EventID", event.ID), zap.String("Type", eventType))

	if h.Deduper != nil {
		seen, err := h.Deduper.Seen(event.ID)
		if err != nil {
			logger.Warn("Unable to check webhook event against dedupe store", zap.Error(err))
		}
		if seen {
			logger.Debug("Duplicate webhook event")
			outcome = outcomeDuplicate
			received(w)
			return
		}
	}

	handled, err := h.dispatch(r.Context(), logger, &event)
	switch {
	case err == nil && !handled:
		outcome = outcomeIgnored
	case err == nil:
		outcome = outcomeProcessed
	case errors.As(err, new(*payloadError)):
		logger.Warn("Rejected malformed webhook event", zap.Error(err))
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	case retryable(err):
		logger.Error("Unable to process webhook event", zap.Error(err))
		outcome = outcomeFailed
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Processing failed"))
		return
	default:
		logger.Warn("Webhook event was not applied", zap.Error(err))
		outcome = outcomeIgnored
	}

	if h.Deduper != nil {
		if err := h.Deduper.MarkSeen(event.ID, seenTTL); err != nil {
			logger.Warn("Unable to record webhook event in dedupe store", zap.Error(err))
		}
	}
	received(w)
}

// retryable reports whether Stripe should redeliver the event. Rejections by the domain
// will not change on redelivery.
func retryable(err error) bool {
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidArgument, errdefs.KindFailedPrecondition, errdefs.KindNotFound, errdefs.KindPermissionDenied:
		return false
	default:
		return true
	}
}

type payloadError struct {
	eventType string
	cause     error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("cannot decode %s event: %s", e.eventType, e.cause)
}

func decode(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return &payloadError{eventType: event.Type, cause: fmt.Errorf("no data object")}
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return &payloadError{eventType: event.Type, cause: err}
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, logger *zap.Logger, event *stripe.Event) (bool, error) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := decode(event, &sub); err != nil {
			return false, err
		}
		return true, extErrors.Wrap(h.Subscriptions.Reconcile(ctx, &sub), "Cannot reconcile subscription")

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := decode(event, &sub); err != nil {
			return false, err
		}
		return true, extErrors.Wrap(h.Subscriptions.MarkDeleted(ctx, &sub), "Cannot mark subscription deleted")

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := decode(event, &pi); err != nil {
			return false, err
		}
		return h.paymentIntent(ctx, logger, &pi, event.Type == "payment_intent.succeeded")

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := decode(event, &inv); err != nil {
			return false, err
		}
		return true, extErrors.Wrap(h.Subscriptions.MarkInvoice(ctx, &inv, event.Type == "invoice.payment_succeeded"), "Cannot record invoice payment")

	default:
		logger.Info("Ignoring unhandled webhook event type")
		return false, nil
	}
}

func (h *Handler) paymentIntent(ctx context.Context, logger *zap.Logger, pi *stripe.PaymentIntent, succeeded bool) (bool, error) {
	commissionID := pi.Metadata["commissionId"]
	if commissionID == "" {
		return true, extErrors.Wrap(h.Subscriptions.RecordPayment(ctx, pi, succeeded), "Cannot record payment")
	}
	logger = logger.With(zap.String("CommissionID", commissionID), zap.String("PaymentIntentID", pi.ID))
	if !succeeded {
		logger.Warn("Commission payment failed")
		return true, nil
	}

	var err error
	switch kind := pi.Metadata["type"]; kind {
	case commission.PaymentTypeDeposit:
		err = h.Commissions.HandleDepositConfirmed(ctx, pi.ID)
	case commission.PaymentTypeFinal:
		err = h.Commissions.HandleFinalPaymentConfirmed(ctx, pi.ID)
	case commission.PaymentTypeMilestone:
		err = h.Commissions.HandleMilestonePayment(ctx, commissionID, pi.Metadata["milestoneId"], pi.ID)
	default:
		logger.Warn("Ignoring commission payment of unknown type", zap.String("PaymentType", kind))
		return false, nil
	}
	return true, extErrors.Wrap(err, "Cannot apply commission payment")
}
