package earnings

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies where a credit came from
type Type string

// Defining credit types
const (
	TypeCommissionDeposit   Type = "commission_deposit"
	TypeCommissionFinal     Type = "commission_final"
	TypeCommissionMilestone Type = "commission_milestone"
)

// Transaction is an immutable credit to an artist. PaymentIntentID is unique so a
// replayed payment confirmation can never credit twice.
type Transaction struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	UserID          string          `json:"userId" gorm:"not null;index"`
	Type            Type            `json:"type" gorm:"not null"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Status          string          `json:"status" gorm:"not null"`
	Source          string          `json:"source"`
	SourceID        string          `json:"sourceId" gorm:"index"`
	PaymentIntentID string          `json:"paymentIntentId" gorm:"not null;uniqueIndex"`
	Description     string          `json:"description"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Account holds the running totals of an artist
type Account struct {
	UserID           string          `json:"userId" gorm:"primaryKey"`
	TotalEarnings    decimal.Decimal `json:"totalEarnings" gorm:"type:numeric(14,2);not null;default:0"`
	AvailableBalance decimal.Decimal `json:"availableBalance" gorm:"type:numeric(14,2);not null;default:0"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Credit describes a single credit request
type Credit struct {
	UserID          string
	Type            Type
	Amount          decimal.Decimal
	SourceID        string
	PaymentIntentID string
	Description     string
}
