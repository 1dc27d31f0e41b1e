package notification

import (
	"context"
	"fmt"
	"testing"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/db/dbtest"
	"github.com/zllovesuki/atelier/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recipients map[string]*customer.Customer

func (r recipients) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	return r[id], nil
}

type recordingPublisher struct {
	sent   []*Envelope
	failOn map[string]bool
}

func (p *recordingPublisher) PublishNotification(ctx context.Context, e *Envelope) error {
	if p.failOn[e.UserID] {
		return fmt.Errorf("broker unavailable")
	}
	p.sent = append(p.sent, e)
	return nil
}

func newTestOutbox(t *testing.T, db *gorm.DB, r recipients) *Outbox {
	o, err := NewOutbox(OutboxOptions{DB: db, Recipients: r, Logger: zap.NewNop()})
	require.NoError(t, err)
	return o
}

func TestEnqueueHonorsOptOut(t *testing.T) {
	ctx := context.Background()
	r := recipients{
		"u1": {ID: "u1", NotificationPreferences: map[string]interface{}{"tierUpgrade": false}},
	}
	o := newTestOutbox(t, dbtest.New(t), r)

	queued, err := o.Enqueue(ctx, Message{UserID: "u1", Type: "tierUpgrade", Title: "Upgraded"})
	require.NoError(t, err)
	assert.False(t, queued)

	queued, err = o.Enqueue(ctx, Message{UserID: "u1", Type: "paymentSuccess", Title: "Paid"})
	require.NoError(t, err)
	assert.True(t, queued)

	// users without a profile get the default-on behavior
	queued, err = o.Enqueue(ctx, Message{UserID: "stranger", Type: "tierUpgrade"})
	require.NoError(t, err)
	assert.True(t, queued)

	_, err = o.Enqueue(ctx, Message{Type: "x"})
	assert.Error(t, err)

	list, err := o.ListForUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "paymentSuccess", list[0].Type)
}

func TestDispatchPendingIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	r := recipients{
		"u1": {ID: "u1", PushToken: "token-1"},
		"u2": {ID: "u2"},
	}
	o := newTestOutbox(t, db, r)
	o.Notify(ctx,
		Message{UserID: "u1", Type: "paymentSuccess", Title: "Paid", Message: "Payment of $12.99 succeeded"},
		Message{UserID: "u2", Type: "paymentFailed", Title: "Failed"},
	)

	pub := &recordingPublisher{failOn: map[string]bool{"u2": true}}
	d, err := NewDispatcher(DispatcherOptions{DB: db, Recipients: r, Publisher: pub, Logger: zap.NewNop(), MaxAttempts: 2})
	require.NoError(t, err)

	sentBefore := testutil.ToFloat64(metrics.NotificationsDispatched.WithLabelValues("sent"))

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "token-1", pub.sent[0].PushToken)
	assert.Equal(t, "Payment of $12.99 succeeded", pub.sent[0].Message)
	assert.Equal(t, sentBefore+1, testutil.ToFloat64(metrics.NotificationsDispatched.WithLabelValues("sent")))

	// the delivered row is not resent, the failed one is retried until MaxAttempts
	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	var failed Notification
	require.NoError(t, db.First(&failed, "user_id = ?", "u2").Error)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, "broker unavailable", failed.LastError)
	assert.Nil(t, failed.DispatchedAt)

	pub.failOn = nil
	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}
