package subscription

import (
	"time"

	"github.com/zllovesuki/atelier/tier"

	"github.com/shopspring/decimal"
)

// Defining the payment states of a Subscription, set by invoice events
const (
	PaymentPaid   = "paid"
	PaymentFailed = "failed"
)

// Subscription mirrors a gateway subscription in the ledger. Rows are never deleted.
type Subscription struct {
	ID                    string     `json:"id" gorm:"primaryKey"`
	UserID                string     `json:"userId" gorm:"not null;index"`
	Tier                  tier.Tier  `json:"tier" gorm:"not null"`
	GatewayCustomerID     string     `json:"gatewayCustomerId" gorm:"index"`
	GatewaySubscriptionID string     `json:"gatewaySubscriptionId" gorm:"not null;uniqueIndex"`
	GatewayPriceID        string     `json:"gatewayPriceId"`
	Status                string     `json:"status"` // Corresponds to Stripe's subscription.status
	StartDate             time.Time  `json:"startDate"`
	EndDate               time.Time  `json:"endDate"` // Never before StartDate
	IsActive              bool       `json:"isActive" gorm:"not null;index"`
	AutoRenew             bool       `json:"autoRenew" gorm:"not null"`
	PaymentStatus         string     `json:"paymentStatus"`
	LastPaymentDate       *time.Time `json:"lastPaymentDate"`
	LastFailedPayment     *time.Time `json:"lastFailedPayment"`
	CanceledAt            *time.Time `json:"canceledAt"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Defining the states recorded in the payments log
const (
	PaymentSucceeded = "succeeded"
	PaymentDeclined  = "failed"
	PaymentRefunded  = "refunded"
)

// Payment is an entry of the payments log, written from payment intent events and refunds
type Payment struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	UserID          string          `json:"userId" gorm:"not null;index"`
	PaymentIntentID string          `json:"paymentIntentId" gorm:"not null;uniqueIndex:idx_payment_intent_status"`
	Status          string          `json:"status" gorm:"not null;uniqueIndex:idx_payment_intent_status"`
	SubscriptionID  string          `json:"subscriptionId"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Currency        string          `json:"currency"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	RefundID        string          `json:"refundId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}
