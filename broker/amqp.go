package broker

import (
	"context"

	"github.com/zllovesuki/atelier/notification"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ notification.Publisher = &AMQPBroker{}

const (
	notificationExchange string = "notifications"
	pushRoutingKey              = "push"
	inboxRoutingKey             = "inbox"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
	}
	if err := broker.setupNotificationExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for notifications")
	}

	return broker, nil
}

func (a *AMQPBroker) setupNotificationExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"direct",             // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(exchange, routingKey, messageID string, body []byte) error {
	return a.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
		},
	)
}

// PublishNotification sends the notification to the in-app inbox consumers, and to the push
// delivery consumers when the recipient has a registered device token
func (a *AMQPBroker) PublishNotification(ctx context.Context, e *notification.Envelope) error {
	protoBytes, err := EncodeEnvelope(e)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.publishViaRoutingKey(notificationExchange, inboxRoutingKey, e.NotificationID, protoBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	if e.PushToken == "" {
		return nil
	}
	if err := a.publishViaRoutingKey(notificationExchange, pushRoutingKey, e.NotificationID, protoBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish push notification")
	}
	return nil
}
