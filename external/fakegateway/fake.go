// Package fakegateway provides an in-memory external.Gateway that records every call
package fakegateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/zllovesuki/atelier/external"

	"github.com/stripe/stripe-go/v72"
)

var _ external.Gateway = &Gateway{}

// UpdateCall records a single UpdateSubscription invocation
type UpdateCall struct {
	ID  string
	Req external.SubscriptionUpdate
}

// Gateway is a recording fake. Errors keyed by method name are returned instead of performing the call.
type Gateway struct {
	mu  sync.Mutex
	seq int

	Errors map[string]error
	// InvoiceErrors fails CreateInvoice for specific customer ids
	InvoiceErrors map[string]error

	Customers            []external.CustomerRequest
	Prices               map[string]*stripe.Price
	CreatedSubscriptions []external.SubscriptionRequest
	Subscriptions        map[string]*stripe.Subscription
	Updates              []UpdateCall
	Cancelled            []string
	CreatedIntents       []external.PaymentIntentRequest
	PaymentIntents       map[string]*stripe.PaymentIntent
	InvoiceItems         []external.InvoiceItemRequest
	Invoices             []external.InvoiceRequest
	InvoicesByID         map[string]*stripe.Invoice
	Finalized            []string
	Refunds              []external.RefundRequest
}

// New returns an empty fake gateway
func New() *Gateway {
	return &Gateway{
		Errors:         make(map[string]error),
		InvoiceErrors:  make(map[string]error),
		Prices:         make(map[string]*stripe.Price),
		Subscriptions:  make(map[string]*stripe.Subscription),
		PaymentIntents: make(map[string]*stripe.PaymentIntent),
		InvoicesByID:   make(map[string]*stripe.Invoice),
	}
}

func (g *Gateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

// Mutations reports how many calls changed gateway state
func (g *Gateway) Mutations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Customers) + len(g.CreatedSubscriptions) + len(g.Updates) + len(g.Cancelled) +
		len(g.CreatedIntents) + len(g.InvoiceItems) + len(g.Invoices) + len(g.Refunds)
}

// PutSubscription stores a subscription as if it existed on the gateway
func (g *Gateway) PutSubscription(sub *stripe.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subscriptions[sub.ID] = sub
}

// PutPaymentIntent stores a payment intent as if it existed on the gateway
func (g *Gateway) PutPaymentIntent(pi *stripe.PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PaymentIntents[pi.ID] = pi
}

// SetPaymentIntentStatus simulates the client confirming (or failing) a payment intent
func (g *Gateway) SetPaymentIntentStatus(id string, status stripe.PaymentIntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pi, ok := g.PaymentIntents[id]; ok {
		pi.Status = status
	}
}

func (g *Gateway) CreateCustomer(ctx context.Context, req external.CustomerRequest) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreateCustomer"]; err != nil {
		return nil, err
	}
	g.Customers = append(g.Customers, req)
	return &stripe.Customer{
		ID:       g.next("cus"),
		Email:    req.Email,
		Metadata: req.Metadata,
	}, nil
}

func (g *Gateway) CreatePrice(ctx context.Context, req external.PriceRequest) (*stripe.Price, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreatePrice"]; err != nil {
		return nil, err
	}
	p := &stripe.Price{
		ID:         g.next("price"),
		LookupKey:  req.LookupKey,
		UnitAmount: external.ToCents(req.Monthly),
		Active:     true,
	}
	g.Prices[req.LookupKey] = p
	return p, nil
}

func (g *Gateway) FindPrice(ctx context.Context, lookupKey string) (*stripe.Price, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["FindPrice"]; err != nil {
		return nil, err
	}
	return g.Prices[lookupKey], nil
}

func (g *Gateway) CreateSubscription(ctx context.Context, req external.SubscriptionRequest) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreateSubscription"]; err != nil {
		return nil, err
	}
	g.CreatedSubscriptions = append(g.CreatedSubscriptions, req)
	id := g.next("sub")
	sub := &stripe.Subscription{
		ID:       id,
		Status:   stripe.SubscriptionStatusIncomplete,
		Customer: &stripe.Customer{ID: req.CustomerID},
		Metadata: req.Metadata,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{ID: g.next("si"), Price: &stripe.Price{ID: req.PriceID}},
			},
		},
		LatestInvoice: &stripe.Invoice{
			PaymentIntent: &stripe.PaymentIntent{ClientSecret: id + "_secret"},
		},
	}
	g.Subscriptions[id] = sub
	return sub, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["GetSubscription"]; err != nil {
		return nil, err
	}
	sub, ok := g.Subscriptions[id]
	if !ok {
		return nil, &stripe.Error{
			HTTPStatusCode: 404,
			Code:           stripe.ErrorCodeResourceMissing,
			Msg:            "No such subscription: " + id,
		}
	}
	return sub, nil
}

func (g *Gateway) UpdateSubscription(ctx context.Context, id string, req external.SubscriptionUpdate) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["UpdateSubscription"]; err != nil {
		return nil, err
	}
	g.Updates = append(g.Updates, UpdateCall{ID: id, Req: req})
	sub, ok := g.Subscriptions[id]
	if !ok {
		sub = &stripe.Subscription{ID: id}
		g.Subscriptions[id] = sub
	}
	if req.PriceID != "" && sub.Items != nil && len(sub.Items.Data) > 0 {
		sub.Items.Data[0].Price = &stripe.Price{ID: req.PriceID}
	}
	if req.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *req.CancelAtPeriodEnd
	}
	if len(req.Metadata) > 0 && sub.Metadata == nil {
		sub.Metadata = make(map[string]string)
	}
	for k, v := range req.Metadata {
		sub.Metadata[k] = v
	}
	return sub, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CancelSubscription"]; err != nil {
		return nil, err
	}
	g.Cancelled = append(g.Cancelled, id)
	sub, ok := g.Subscriptions[id]
	if !ok {
		sub = &stripe.Subscription{ID: id}
	}
	sub.Status = stripe.SubscriptionStatusCanceled
	return sub, nil
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req external.PaymentIntentRequest) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreatePaymentIntent"]; err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		for _, pi := range g.PaymentIntents {
			if pi.Metadata["idempotencyKey"] == req.IdempotencyKey {
				return pi, nil
			}
		}
	}
	g.CreatedIntents = append(g.CreatedIntents, req)
	id := g.next("pi")
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.IdempotencyKey != "" {
		metadata["idempotencyKey"] = req.IdempotencyKey
	}
	pi := &stripe.PaymentIntent{
		ID:           id,
		Amount:       external.ToCents(req.Amount),
		ClientSecret: id + "_secret",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Customer:     &stripe.Customer{ID: req.CustomerID},
		Description:  req.Description,
		Metadata:     metadata,
	}
	g.PaymentIntents[id] = pi
	return pi, nil
}

func (g *Gateway) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["GetPaymentIntent"]; err != nil {
		return nil, err
	}
	pi, ok := g.PaymentIntents[id]
	if !ok {
		return nil, &stripe.Error{
			HTTPStatusCode: 404,
			Code:           stripe.ErrorCodeResourceMissing,
			Msg:            "No such payment_intent: " + id,
		}
	}
	return pi, nil
}

func (g *Gateway) CreateInvoiceItem(ctx context.Context, req external.InvoiceItemRequest) (*stripe.InvoiceItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreateInvoiceItem"]; err != nil {
		return nil, err
	}
	g.InvoiceItems = append(g.InvoiceItems, req)
	return &stripe.InvoiceItem{
		ID:     g.next("ii"),
		Amount: external.ToCents(req.Amount),
	}, nil
}

func (g *Gateway) CreateInvoice(ctx context.Context, req external.InvoiceRequest) (*stripe.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreateInvoice"]; err != nil {
		return nil, err
	}
	if err := g.InvoiceErrors[req.CustomerID]; err != nil {
		return nil, err
	}
	g.Invoices = append(g.Invoices, req)
	inv := &stripe.Invoice{
		ID:       g.next("in"),
		Customer: &stripe.Customer{ID: req.CustomerID},
		Status:   stripe.InvoiceStatusDraft,
		Metadata: req.Metadata,
	}
	g.InvoicesByID[inv.ID] = inv
	return inv, nil
}

func (g *Gateway) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["GetInvoice"]; err != nil {
		return nil, err
	}
	inv, ok := g.InvoicesByID[id]
	if !ok {
		return nil, &stripe.Error{
			HTTPStatusCode: 404,
			Code:           stripe.ErrorCodeResourceMissing,
			Msg:            "No such invoice: " + id,
		}
	}
	return inv, nil
}

func (g *Gateway) FinalizeInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["FinalizeInvoice"]; err != nil {
		return nil, err
	}
	inv, ok := g.InvoicesByID[id]
	if !ok {
		inv = &stripe.Invoice{ID: id}
		g.InvoicesByID[id] = inv
	}
	if inv.Status != "" && inv.Status != stripe.InvoiceStatusDraft {
		return nil, &stripe.Error{
			HTTPStatusCode: 400,
			Code:           stripe.ErrorCodeInvoiceNotEditable,
			Msg:            "This invoice is already finalized",
		}
	}
	g.Finalized = append(g.Finalized, id)
	inv.Status = stripe.InvoiceStatusOpen
	return inv, nil
}

func (g *Gateway) CreateRefund(ctx context.Context, req external.RefundRequest) (*stripe.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.Errors["CreateRefund"]; err != nil {
		return nil, err
	}
	g.Refunds = append(g.Refunds, req)
	var amount int64
	if pi, ok := g.PaymentIntents[req.PaymentIntentID]; ok {
		amount = pi.Amount
	}
	return &stripe.Refund{
		ID:     g.next("re"),
		Amount: amount,
		Status: stripe.RefundStatusSucceeded,
	}, nil
}
