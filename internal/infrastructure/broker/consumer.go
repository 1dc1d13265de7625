package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"marketsim/internal/config"
	domain "marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/batch"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Consumer subscribes to the orders fanout exchange and writes executed
// orders into the store through a batch buffer.
type Consumer struct {
	cfg    config.RabbitMQConfig
	logger *logrus.Entry

	conn    *amqp.Connection
	channel *amqp.Channel
	wg      sync.WaitGroup
	batcher *batch.Buffer[domain.Order]
}

// NewConsumer prepares a consumer for the given configuration.
func NewConsumer(cfg config.RabbitMQConfig, orders interfaces.OrdersRepository, logger *logrus.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.OrdersExchange == "" {
		return nil, errors.New("orders exchange is required")
	}
	log := logger.WithField("component", "order-consumer")
	batchCfg := batch.Config{
		Size:    cfg.BatchSize,
		Timeout: cfg.BatchTimeout,
	}
	return &Consumer{
		cfg:     cfg,
		logger:  log,
		batcher: batch.New(batchCfg, orders.AddOrders, log),
	}, nil
}

// Start establishes the AMQP connection and begins consuming orders.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn
	c.batcher.Run(ctx)

	if err := c.startStream(ctx, c.cfg.OrdersExchange); err != nil {
		_ = c.Close(ctx)
		return err
	}

	c.logger.Infof("rabbitmq consumer started: exchange=%s", c.cfg.OrdersExchange)
	return nil
}

// Close stops consumption, flushes pending orders, and releases resources.
func (c *Consumer) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.wg.Wait()
	return c.batcher.Stop(ctx)
}

func (c *Consumer) startStream(ctx context.Context, exchange string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s to %s: %w", queue.Name, exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("start consume: %w", err)
	}
	c.channel = ch
	c.wg.Add(1)
	go c.consumeLoop(ctx, deliveries)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			err := c.handleDelivery(delivery.Body)
			var decodeErr *decodeError
			switch {
			case errors.As(err, &decodeErr):
				c.logger.WithError(err).Warn("dropping malformed order")
				_ = delivery.Nack(false, false)
				continue
			case err != nil:
				c.logger.WithError(err).Warn("failed to process order")
				_ = delivery.Nack(false, true)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				c.logger.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode order: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Consumer) handleDelivery(body []byte) error {
	order, err := decodeOrder(body)
	if err != nil {
		return &decodeError{err: err}
	}
	return c.batcher.Enqueue(order)
}

func decodeOrder(body []byte) (domain.Order, error) {
	var msg OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Order{}, err
	}
	return msg.ToOrder()
}
