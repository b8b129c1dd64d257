package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Outcome is the per-message acknowledgment decision returned by the handler.
type Outcome int

const (
	// OutcomeAck acknowledges the message. This covers success and permanent
	// failures (which have been logged or dead-lettered by the handler).
	OutcomeAck Outcome = iota
	// OutcomeRequeue returns the message to the queue for redelivery.
	OutcomeRequeue
)

// BatchHandler processes a drained batch and returns one Outcome per message,
// in order. Acknowledgment is per-message: one message's outcome never
// affects its siblings.
type BatchHandler func(ctx context.Context, bodies [][]byte) []Outcome

type Consumer struct {
	conn          *amqp091.Connection
	channel       *amqp091.Channel
	queue         amqp091.Queue
	routingKey    string
	handler       BatchHandler
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

// NewConsumer creates a batch consumer for a routing key. Prefetch is bound
// to the batch size so unacked in-flight messages stay bounded.
func NewConsumer(url, queueName, routingKey string, batchSize int, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 1
	}
	if err := ch.Qos(batchSize, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("batch_size", batchSize),
	)

	return &Consumer{
		conn:          conn,
		channel:       ch,
		queue:         q,
		routingKey:    routingKey,
		batchSize:     batchSize,
		flushInterval: time.Second,
		logger:        logger,
	}, nil
}

func (c *Consumer) SetHandler(h BatchHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming drains deliveries into batches and dispatches them to the
// handler. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"ingest-worker",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	batch := make([]amqp091.Delivery, 0, c.batchSize)
	timer := time.NewTimer(c.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(ctx, batch)
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				c.flush(ctx, batch)
				return nil
			}
			batch = append(batch, msg)
			if len(batch) >= c.batchSize {
				c.flush(ctx, batch)
				batch = batch[:0]
				resetTimer(timer, c.flushInterval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				c.flush(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(c.flushInterval)
		}
	}
}

// flush hands the batch to the handler and acks/nacks per outcome. Every
// message is acked or nacked exactly once; a handler panic requeues the whole
// batch.
func (c *Consumer) flush(ctx context.Context, batch []amqp091.Delivery) {
	if len(batch) == 0 {
		return
	}

	bodies := make([][]byte, len(batch))
	for i, msg := range batch {
		bodies[i] = msg.Body
	}

	outcomes := c.safeHandle(ctx, bodies)

	for i, msg := range batch {
		outcome := OutcomeRequeue
		if i < len(outcomes) {
			outcome = outcomes[i]
		}
		switch outcome {
		case OutcomeAck:
			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack message",
					zap.String("routing_key", c.routingKey),
					zap.Error(err),
				)
			}
		case OutcomeRequeue:
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message",
					zap.String("routing_key", c.routingKey),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Consumer) safeHandle(ctx context.Context, bodies [][]byte) (outcomes []Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered, requeueing batch",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			outcomes = nil
		}
	}()
	return c.handler(ctx, bodies)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
