package usage

import (
	"time"

	"github.com/zllovesuki/atelier/tier"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Record holds the metered counters of a user. Counters only grow within a billing
// cycle, except AICreditsUsed which is reset when the cycle's overage bill is issued.
type Record struct {
	UserID            string          `json:"userId" gorm:"primaryKey"`
	ArtworksCount     int64           `json:"artworksCount" gorm:"not null;default:0"`
	StorageUsedGB     decimal.Decimal `json:"storageUsedGB" gorm:"type:numeric(12,3);not null;default:0"`
	AICreditsUsed     int64           `json:"aiCreditsUsed" gorm:"not null;default:0"`
	TeamMembersCount  int64           `json:"teamMembersCount" gorm:"not null;default:0"`
	MonthlyResetCount int64           `json:"monthlyResetCount" gorm:"not null;default:0"`
	LastUsageReset    *time.Time      `json:"lastUsageReset"`
	LastAIUsage       *time.Time      `json:"lastAIUsage"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Usage returns the metered quantities of the record
func (r *Record) Usage() Usage {
	return Usage{
		ArtworksCount:    r.ArtworksCount,
		StorageUsedGB:    r.StorageUsedGB,
		AICreditsUsed:    r.AICreditsUsed,
		TeamMembersCount: r.TeamMembersCount,
	}
}

// Event is an immutable record of AI credit consumption kept for analytics
type Event struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	UserID      string            `json:"userId" gorm:"not null;index"`
	Feature     string            `json:"feature" gorm:"not null"`
	CreditsUsed int64             `json:"creditsUsed"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// OverageBill is issued once per user and billing period with a positive overage. It is recorded
// as pending before any gateway call and becomes billed once its invoice is finalized.
type OverageBill struct {
	ID                   string                     `json:"id" gorm:"primaryKey"`
	UserID               string                     `json:"userId" gorm:"not null;uniqueIndex:idx_overage_user_period"`
	BillingPeriod        string                     `json:"billingPeriod" gorm:"not null;uniqueIndex:idx_overage_user_period"`
	SubscriptionTier     tier.Tier                  `json:"subscriptionTier"`
	Overages             datatypes.JSONSlice[Detail] `json:"overages"`
	TotalAmount          decimal.Decimal            `json:"totalAmount" gorm:"type:numeric(12,2);not null"`
	GatewayInvoiceID     string                     `json:"gatewayInvoiceId"`
	GatewayInvoiceItemID string                     `json:"gatewayInvoiceItemId"`
	Status               string                     `json:"status" gorm:"not null"`
	CreatedAt            time.Time                  `json:"createdAt"`
	UpdatedAt            time.Time                  `json:"updatedAt"`
}

// Defining overage bill states
const (
	StatusPending = "pending"
	StatusBilled  = "billed"
)
