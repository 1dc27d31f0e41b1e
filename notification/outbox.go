package notification

import (
	"context"
	"fmt"

	"github.com/zllovesuki/atelier/customer"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recipients resolves the profile of a notification recipient
type Recipients interface {
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
}

type OutboxOptions struct {
	DB         *gorm.DB
	Recipients Recipients
	Logger     *zap.Logger
}

// Outbox persists notifications for later dispatch, honoring per-user opt-outs
type Outbox struct {
	OutboxOptions
}

func NewOutbox(option OutboxOptions) (*Outbox, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Recipients == nil {
		return nil, fmt.Errorf("nil Recipients is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Notification{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize notification.Outbox")
	}
	return &Outbox{
		OutboxOptions: option,
	}, nil
}

// Enqueue stores msg unless the recipient opted out of its type. It reports whether a row was written.
func (o *Outbox) Enqueue(ctx context.Context, msg Message) (bool, error) {
	if msg.UserID == "" || msg.Type == "" {
		return false, fmt.Errorf("notification requires UserID and Type")
	}
	recipient, err := o.Recipients.GetByID(ctx, msg.UserID)
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot load notification recipient")
	}
	if !recipient.Wants(msg.Type) {
		return false, nil
	}
	n := &Notification{
		ID:      shortuuid.New(),
		UserID:  msg.UserID,
		Type:    msg.Type,
		Title:   msg.Title,
		Message: msg.Message,
		Data:    msg.Data,
	}
	if n.Data == nil {
		n.Data = map[string]interface{}{}
	}
	if err := o.DB.WithContext(ctx).Create(n).Error; err != nil {
		return false, extErrors.Wrap(err, "Cannot enqueue notification")
	}
	return true, nil
}

// Notify is the fire-and-forget form of Enqueue. Failures are logged and never returned.
func (o *Outbox) Notify(ctx context.Context, msgs ...Message) {
	for _, msg := range msgs {
		if _, err := o.Enqueue(ctx, msg); err != nil {
			o.Logger.Warn("Unable to enqueue notification",
				zap.String("UserID", msg.UserID),
				zap.String("Type", msg.Type),
				zap.Error(err),
			)
		}
	}
}

// ListForUser returns the most recent notifications of a user
func (o *Outbox) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	results := make([]Notification, 0, limit)
	q := o.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list notifications")
	}
	return results, nil
}
