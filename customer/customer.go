package customer

import (
	"time"

	"github.com/zllovesuki/atelier/tier"

	"gorm.io/datatypes"
)

// Customer is the billing profile of an app user
type Customer struct {
	ID                      string            `json:"id" gorm:"primaryKey"` // Corresponds to the app's user id
	Email                   string            `json:"email" gorm:"index"`
	Name                    string            `json:"name"`
	DisplayName             string            `json:"displayName"`
	GatewayCustomerID       string            `json:"gatewayCustomerId" gorm:"index"` // Corresponds to Stripe's Customer ID, provisioned lazily
	SubscriptionTier        tier.Tier         `json:"subscriptionTier" gorm:"not null;default:'free';index"`
	PushToken               string            `json:"-"`
	NotificationPreferences datatypes.JSONMap `json:"notificationPreferences"` // notification type -> enabled, missing means enabled
	CreatedAt               time.Time         `json:"createdAt"`
	UpdatedAt               time.Time         `json:"updatedAt"`
}

// PartyName returns the name shown to the other party of a transaction
func (c *Customer) PartyName(fallback string) string {
	if c == nil {
		return fallback
	}
	if c.Name != "" {
		return c.Name
	}
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return fallback
}

// Wants reports whether the customer has not opted out of notifications of type kind
func (c *Customer) Wants(kind string) bool {
	if c == nil || c.NotificationPreferences == nil {
		return true
	}
	v, ok := c.NotificationPreferences[kind]
	if !ok {
		return true
	}
	enabled, isBool := v.(bool)
	return !isBool || enabled
}
