package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RequestRoutingKey      = "envelope.request"
	JobStatusRoutingKey    = "job.status"
	NotificationRoutingKey = "auth.notification"
)

// Publisher serializes publishes over one channel.
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	msg.ContentType = "application/json"
	msg.Timestamp = time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Reply answers an RPC request on the default exchange.
func (p *Publisher) Reply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	return p.publish(ctx, "", replyTo, amqp.Publishing{
		CorrelationId: correlationID,
		Body:          body,
	})
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}

type JobStatusPublisher struct {
	pub        *Publisher
	routingKey string
}

func NewJobStatusPublisher(pub *Publisher) *JobStatusPublisher {
	return &JobStatusPublisher{pub: pub, routingKey: JobStatusRoutingKey}
}

func (sp *JobStatusPublisher) PublishJobStatus(ctx context.Context, msg []byte) error {
	return sp.pub.publish(ctx, sp.pub.exchange, sp.routingKey, amqp.Publishing{
		Body:         msg,
		DeliveryMode: amqp.Persistent,
	})
}

// NotificationBroadcaster fans session notifications out to surfaces outside the process.
type NotificationBroadcaster struct {
	pub        *Publisher
	routingKey string
}

func NewNotificationBroadcaster(pub *Publisher) *NotificationBroadcaster {
	return &NotificationBroadcaster{pub: pub, routingKey: NotificationRoutingKey}
}

func (nb *NotificationBroadcaster) Broadcast(ctx context.Context, n entity.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := nb.pub.publish(ctx, nb.pub.exchange, nb.routingKey, amqp.Publishing{
		Type: n.Type,
		Body: body,
	}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

type DLQPublisher struct {
	pub   *Publisher
	queue string
}

func NewDLQPublisher(pub *Publisher, dlqQueue string) *DLQPublisher {
	return &DLQPublisher{pub: pub, queue: dlqQueue}
}

func (dp *DLQPublisher) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	return dp.pub.publish(ctx, "", dp.queue, amqp.Publishing{
		Body:         msg,
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"x-dlq-reason": reason,
		},
	})
}
