package commission

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status is the escrow state of a commission
type Status string

// Defining commission states
const (
	StatusPending    Status = "pending"
	StatusQuoted     Status = "quoted"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Defining payment intent types carried in gateway metadata
const (
	PaymentTypeDeposit   = "deposit"
	PaymentTypeFinal     = "final_payment"
	PaymentTypeMilestone = "milestone"
)

// DepositMilestoneID is the milestone id that denotes the deposit itself
const DepositMilestoneID = "deposit"

// Specs describes the artwork being commissioned
type Specs struct {
	Size           string                 `json:"size"`
	Medium         string                 `json:"medium"`
	Style          string                 `json:"style,omitempty"`
	Revisions      int                    `json:"revisions"`
	CommercialUse  bool                   `json:"commercialUse"`
	Dimensions     string                 `json:"dimensions,omitempty"`
	DeliveryFormat string                 `json:"deliveryFormat,omitempty"`
	Deadline       *time.Time             `json:"deadline,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// File is a delivery artifact attached by the artist
type File struct {
	Name        string    `json:"name" validate:"required"`
	URL         string    `json:"url" validate:"required,url"`
	Type        string    `json:"type"`
	SizeBytes   int64     `json:"sizeBytes"`
	Description string    `json:"description,omitempty"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Commission is an escrowed engagement between a client and an artist.
// Once quoted, DepositAmount + FinalAmount == TotalPrice. Milestones are paid out of
// FinalAmount, so FinalDue is what the final payment collects after them.
type Commission struct {
	ID                     string                    `json:"id" gorm:"primaryKey"`
	ClientID               string                    `json:"clientId" gorm:"not null;index"`
	ArtistID               string                    `json:"artistId" gorm:"not null;index"`
	ClientName             string                    `json:"clientName"`
	ArtistName             string                    `json:"artistName"`
	Title                  string                    `json:"title" gorm:"not null"`
	Description            string                    `json:"description"`
	Type                   string                    `json:"type" gorm:"not null"`
	Specs                  datatypes.JSONType[Specs] `json:"specs"`
	Status                 Status                    `json:"status" gorm:"not null;index"`
	BasePrice              decimal.Decimal           `json:"basePrice" gorm:"type:numeric(12,2);not null;default:0"`
	TotalPrice             decimal.Decimal           `json:"totalPrice" gorm:"type:numeric(12,2);not null;default:0"`
	DepositAmount          decimal.Decimal           `json:"depositAmount" gorm:"type:numeric(12,2);not null;default:0"`
	FinalAmount            decimal.Decimal           `json:"finalAmount" gorm:"type:numeric(12,2);not null;default:0"`
	FinalDue               decimal.Decimal           `json:"finalDue" gorm:"type:numeric(12,2);not null;default:0"`
	DepositPaymentIntentID string                    `json:"depositPaymentIntentId,omitempty" gorm:"index"`
	FinalPaymentIntentID   string                    `json:"finalPaymentIntentId,omitempty" gorm:"index"`
	DepositRefundID        string                    `json:"depositRefundId,omitempty"`
	Files                  datatypes.JSONSlice[File] `json:"files"`
	Milestones             []Milestone               `json:"milestones" gorm:"foreignKey:CommissionID"`
	Messages               []Message                 `json:"messages" gorm:"foreignKey:CommissionID"`
	RequestedAt            time.Time                 `json:"requestedAt"`
	QuotedAt               *time.Time                `json:"quotedAt,omitempty"`
	AcceptedAt             *time.Time                `json:"acceptedAt,omitempty"`
	StartedAt              *time.Time                `json:"startedAt,omitempty"`
	CompletedAt            *time.Time                `json:"completedAt,omitempty"`
	DeliveredAt            *time.Time                `json:"deliveredAt,omitempty"`
	CancelledAt            *time.Time                `json:"cancelledAt,omitempty"`
	CreatedAt              time.Time                 `json:"createdAt"`
	UpdatedAt              time.Time                 `json:"updatedAt"`
}

// IsParty reports whether userID is the client or the artist
func (c *Commission) IsParty(userID string) bool {
	return userID != "" && (c.ClientID == userID || c.ArtistID == userID)
}

// MilestoneStatus is the payment state of a milestone
type MilestoneStatus string

const (
	MilestonePending MilestoneStatus = "pending"
	MilestonePaid    MilestoneStatus = "paid"
)

// Milestone is a partial payment checkpoint within a commission
type Milestone struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	CommissionID    string          `json:"-" gorm:"not null;index"`
	Position        int             `json:"position"`
	Title           string          `json:"title" gorm:"not null"`
	Description     string          `json:"description,omitempty"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	DueDate         *time.Time      `json:"dueDate,omitempty"`
	Status          MilestoneStatus `json:"status" gorm:"not null"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty" gorm:"index"`
	RefundID        string          `json:"refundId,omitempty"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
}

// MessageKind tells who wrote a message
type MessageKind string

const (
	MessageSystem MessageKind = "system"
	MessageQuote  MessageKind = "quote"
	MessageUser   MessageKind = "user"
)

// Message is an append-only entry of the commission log
type Message struct {
	ID           string      `json:"id" gorm:"primaryKey"`
	CommissionID string      `json:"-" gorm:"not null;index"`
	SenderID     string      `json:"senderId,omitempty"`
	SenderName   string      `json:"senderName,omitempty"`
	Kind         MessageKind `json:"kind" gorm:"not null"`
	Body         string      `json:"message"`
	CreatedAt    time.Time   `json:"timestamp" gorm:"index"`
}

// ArtistSettings are the inputs of the pricing calculator
type ArtistSettings struct {
	ArtistID          string                                         `json:"artistId" gorm:"primaryKey"`
	BasePrice         decimal.Decimal                                `json:"basePrice" gorm:"type:numeric(12,2);not null;default:0"`
	TypePricing       datatypes.JSONType[map[string]decimal.Decimal] `json:"typePricing"`
	SizePricing       datatypes.JSONType[map[string]decimal.Decimal] `json:"sizePricing"`
	DepositPercentage decimal.Decimal                                `json:"depositPercentage" gorm:"type:numeric(5,2);not null;default:50"`
	UpdatedAt         time.Time                                      `json:"updatedAt"`
}
