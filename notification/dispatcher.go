package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/metrics"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher hands an envelope to the delivery transport
type Publisher interface {
	PublishNotification(ctx context.Context, e *Envelope) error
}

const defaultMaxAttempts = 5

type DispatcherOptions struct {
	DB          *gorm.DB
	Recipients  Recipients
	Publisher   Publisher
	Logger      *zap.Logger
	BatchSize   int
	MaxAttempts int
}

// Dispatcher drains the outbox into the Publisher
type Dispatcher struct {
	DispatcherOptions
}

func NewDispatcher(option DispatcherOptions) (*Dispatcher, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Recipients == nil {
		return nil, fmt.Errorf("nil Recipients is invalid")
	}
	if option.Publisher == nil {
		return nil, fmt.Errorf("nil Publisher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.BatchSize <= 0 {
		option.BatchSize = 100
	}
	if option.MaxAttempts <= 0 {
		option.MaxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		DispatcherOptions: option,
	}, nil
}

// DispatchPending publishes up to BatchSize undelivered notifications and returns how many succeeded.
// A failure only affects its own row.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending := make([]Notification, 0, d.BatchSize)
	result := d.DB.WithContext(ctx).
		Where("dispatched_at IS NULL AND attempts < ?", d.MaxAttempts).
		Order("created_at").
		Limit(d.BatchSize).
		Find(&pending)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot load pending notifications")
	}

	sent := 0
	for i := range pending {
		n := &pending[i]
		logger := d.Logger.With(
			zap.String("NotificationID", n.ID),
			zap.String("UserID", n.UserID),
		)
		if err := d.publish(ctx, n); err != nil {
			metrics.NotificationsDispatched.WithLabelValues("failed").Inc()
			logger.Warn("Unable to dispatch notification",
				zap.Int("Attempt", n.Attempts+1),
				zap.Error(err),
			)
			if err := d.DB.WithContext(ctx).Model(&Notification{}).
				Where("id = ?", n.ID).
				Updates(map[string]interface{}{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": err.Error(),
				}).Error; err != nil {
				logger.Error("Unable to record dispatch failure",
					zap.Error(err),
				)
			}
			continue
		}
		now := time.Now().UTC()
		if err := d.DB.WithContext(ctx).Model(&Notification{}).
			Where("id = ?", n.ID).
			Update("dispatched_at", now).Error; err != nil {
			logger.Error("Unable to mark notification as dispatched",
				zap.Error(err),
			)
			continue
		}
		metrics.NotificationsDispatched.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) publish(ctx context.Context, n *Notification) error {
	recipient, err := d.Recipients.GetByID(ctx, n.UserID)
	if err != nil {
		return err
	}
	var token string
	if recipient != nil {
		token = recipient.PushToken
	}
	return d.Publisher.PublishNotification(ctx, &Envelope{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Data:           n.Data,
		PushToken:      token,
		CreatedAt:      n.CreatedAt,
	})
}
