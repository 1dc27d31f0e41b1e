package notification

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is an outbox row. It is written after the core state change has
// committed and delivered to the broker by the Dispatcher.
type Notification struct {
	ID           string            `json:"id" gorm:"primaryKey"`
	UserID       string            `json:"userId" gorm:"not null;index"`
	Type         string            `json:"type" gorm:"not null"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         datatypes.JSONMap `json:"data"`
	Read         bool              `json:"read" gorm:"not null;default:false"`
	Attempts     int               `json:"-" gorm:"not null;default:0"`
	LastError    string            `json:"-"`
	DispatchedAt *time.Time        `json:"-" gorm:"index"`
	CreatedAt    time.Time         `json:"createdAt" gorm:"index"`
}

// Message is what a component asks to be delivered to a user
type Message struct {
	UserID  string
	Type    string
	Title   string
	Message string
	Data    map[string]interface{}
}

// Envelope is the payload handed to a Publisher
type Envelope struct {
	NotificationID string
	UserID         string
	Type           string
	Title          string
	Message        string
	Data           map[string]interface{}
	PushToken      string
	CreatedAt      time.Time
}
