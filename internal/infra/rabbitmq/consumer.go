package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/dispatcher"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const maxReplyAttempts = 3

// EnvelopeDispatcher answers a raw envelope exactly once through respond.
type EnvelopeDispatcher interface {
	DispatchRaw(ctx context.Context, data []byte, respond dispatcher.Responder) bool
}

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queue       string
	workerCount int
	baseDelay   time.Duration
	dispatcher  EnvelopeDispatcher
	replies     *Publisher
	dlq         *DLQPublisher
	logger      *zap.Logger
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	URL         string
	Queue       string
	Exchange    string
	DLQ         string
	StatusQueue string
	Prefetch    int
	WorkerCount int
	BaseDelay   time.Duration
}

// Declare sets up the exchange, queues and bindings the service relies on.
func Declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range []string{cfg.Queue, cfg.DLQ, cfg.StatusQueue} {
		_, err = ch.QueueDeclare(q, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	err = ch.QueueBind(cfg.Queue, RequestRoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		return fmt.Errorf("bind request queue: %w", err)
	}

	err = ch.QueueBind(cfg.StatusQueue, JobStatusRoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		return fmt.Errorf("bind status queue: %w", err)
	}
	return nil
}

// NewConsumer dials its own connection. Replies and dead letters go through pub.
func NewConsumer(cfg ConsumerConfig, d EnvelopeDispatcher, pub *Publisher, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := Declare(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       cfg.Queue,
		workerCount: workers,
		baseDelay:   baseDelay,
		dispatcher:  d,
		replies:     pub,
		dlq:         NewDLQPublisher(pub, cfg.DLQ),
		logger:      logger,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool",
		zap.Int("workers", c.workerCount),
		zap.String("queue", c.queue),
	)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log)
		}
	}
}

// processDelivery holds the delivery until the dispatcher answers, so prefetch bounds in-flight requests.
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	log = log.With(zap.String("correlation_id", d.CorrelationId), zap.Uint64("delivery_tag", d.DeliveryTag))

	answered := make(chan entity.Response, 1)
	c.dispatcher.DispatchRaw(ctx, d.Body, func(resp entity.Response) {
		answered <- resp
	})

	var resp entity.Response
	select {
	case resp = <-answered:
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	if resp.Error != nil && resp.Error.Code == dispatcher.CodeInvalidMessage {
		if err := c.dlq.PublishToDLQ(ctx, d.Body, resp.Error.Message); err != nil {
			log.Error("failed to dead-letter malformed message", zap.Error(err))
		} else {
			log.Warn("malformed message dead-lettered", zap.String("reason", resp.Error.Message))
		}
	}

	if d.ReplyTo != "" {
		c.reply(ctx, d, resp, log)
	}
	_ = d.Ack(false)
}

// reply retries the publish with backoff. The request itself is never redelivered.
func (c *Consumer) reply(ctx context.Context, d amqp.Delivery, resp entity.Response, log *zap.Logger) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to marshal reply", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= maxReplyAttempts; attempt++ {
		err = c.replies.Reply(ctx, d.ReplyTo, d.CorrelationId, body)
		if err == nil {
			return
		}
		if attempt == maxReplyAttempts {
			break
		}

		delay := c.calculateBackoff(attempt)
		log.Warn("reply publish failed, backing off",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	log.Error("giving up on reply", zap.String("reply_to", d.ReplyTo), zap.Error(err))
}

func (c *Consumer) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
