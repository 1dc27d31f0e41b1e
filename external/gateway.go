package external

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
)

// Currency used for every charge issued by the engine
const Currency = "usd"

// Gateway is the set of payment processor capabilities the billing engine relies on
type Gateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (*stripe.Customer, error)
	CreatePrice(ctx context.Context, req PriceRequest) (*stripe.Price, error)
	FindPrice(ctx context.Context, lookupKey string) (*stripe.Price, error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, req SubscriptionUpdate) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)

	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)

	CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) (*stripe.InvoiceItem, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*stripe.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	FinalizeInvoice(ctx context.Context, id string) (*stripe.Invoice, error)

	CreateRefund(ctx context.Context, req RefundRequest) (*stripe.Refund, error)
}

type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type PriceRequest struct {
	LookupKey   string
	ProductName string
	Monthly     decimal.Decimal
}

type SubscriptionRequest struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// SubscriptionUpdate describes a partial update. Nil fields are left untouched.
type SubscriptionUpdate struct {
	ItemID            string
	PriceID           string
	Prorate           *bool
	CancelAtPeriodEnd *bool
	PauseBehavior     string
	Metadata          map[string]string
}

type PaymentIntentRequest struct {
	CustomerID     string
	Amount         decimal.Decimal
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type InvoiceItemRequest struct {
	CustomerID     string
	Amount         decimal.Decimal
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type InvoiceRequest struct {
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundRequest struct {
	PaymentIntentID string
	Metadata        map[string]string
}
