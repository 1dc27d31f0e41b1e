package external

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

var _ Gateway = &Stripe{}

// Stripe implements Gateway on top of a stripe-go client
type Stripe struct {
	api *client.API
}

// NewStripe wraps an initialized stripe-go client
func NewStripe(api *client.API) (*Stripe, error) {
	if api == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	return &Stripe{
		api: api,
	}, nil
}

func withMetadata(p *stripe.Params, metadata map[string]string) {
	for k, v := range metadata {
		p.AddMetadata(k, v)
	}
}

func (s *Stripe) CreateCustomer(ctx context.Context, req CustomerRequest) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.Customers.New(params)
}

func (s *Stripe) CreatePrice(ctx context.Context, req PriceRequest) (*stripe.Price, error) {
	params := &stripe.PriceParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Currency:   stripe.String(Currency),
		UnitAmount: stripe.Int64(ToCents(req.Monthly)),
		LookupKey:  stripe.String(req.LookupKey),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(req.ProductName),
		},
	}
	return s.api.Prices.New(params)
}

// FindPrice returns the active price with the given lookup key, or nil if there is none
func (s *Stripe) FindPrice(ctx context.Context, lookupKey string) (*stripe.Price, error) {
	params := &stripe.PriceListParams{
		LookupKeys: stripe.StringSlice([]string{lookupKey}),
		Active:     stripe.Bool(true),
	}
	params.Context = ctx
	iter := s.api.Prices.List(params)
	for iter.Next() {
		return iter.Price(), nil
	}
	return nil, iter.Err()
}

func (s *Stripe) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(req.PriceID),
			},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.AddExpand("latest_invoice.payment_intent")
	withMetadata(&params.Params, req.Metadata)
	return s.api.Subscriptions.New(params)
}

func (s *Stripe) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.Subscriptions.Get(id, params)
}

func (s *Stripe) UpdateSubscription(ctx context.Context, id string, req SubscriptionUpdate) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if req.PriceID != "" {
		params.Items = []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(req.ItemID),
				Price: stripe.String(req.PriceID),
			},
		}
	}
	if req.Prorate != nil {
		if *req.Prorate {
			params.ProrationBehavior = stripe.String(string(stripe.SubscriptionProrationBehaviorCreateProrations))
		} else {
			params.ProrationBehavior = stripe.String(string(stripe.SubscriptionProrationBehaviorNone))
		}
	}
	if req.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = req.CancelAtPeriodEnd
	}
	if req.PauseBehavior != "" {
		params.PauseCollection = &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(req.PauseBehavior),
		}
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.Subscriptions.Update(id, params)
}

func (s *Stripe) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.Subscriptions.Cancel(id, params)
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:   stripe.Int64(ToCents(req.Amount)),
		Currency: stripe.String(Currency),
		Customer: stripe.String(req.CustomerID),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.PaymentIntents.New(params)
}

func (s *Stripe) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("invoice")
	return s.api.PaymentIntents.Get(id, params)
}

func (s *Stripe) CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) (*stripe.InvoiceItem, error) {
	params := &stripe.InvoiceItemParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:    stripe.String(req.CustomerID),
		Amount:      stripe.Int64(ToCents(req.Amount)),
		Currency:    stripe.String(Currency),
		Description: stripe.String(req.Description),
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.InvoiceItems.New(params)
}

func (s *Stripe) CreateInvoice(ctx context.Context, req InvoiceRequest) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:         stripe.String(req.CustomerID),
		AutoAdvance:      stripe.Bool(true),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		Description:      stripe.String(req.Description),
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.Invoices.New(params)
}

func (s *Stripe) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.Invoices.Get(id, params)
}

func (s *Stripe) FinalizeInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceFinalizeParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.Invoices.FinalizeInvoice(id, params)
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context: ctx,
		},
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	withMetadata(&params.Params, req.Metadata)
	return s.api.Refunds.New(params)
}
