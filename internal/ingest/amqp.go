package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/lib/backoff"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// AMQPConsumer ingests heartbeats published over MQTT and routed by the
// RabbitMQ MQTT plugin into amq.topic.
type AMQPConsumer struct {
	log       *slog.Logger
	cfg       config.AMQPConfig
	ingestor  *Ingestor
	backoff   *backoff.ExponentialBackoff
	connected atomic.Bool
}

func NewAMQPConsumer(log *slog.Logger, cfg config.AMQPConfig, ingestor *Ingestor) *AMQPConsumer {
	return &AMQPConsumer{
		log:      log,
		cfg:      cfg,
		ingestor: ingestor,
		backoff:  backoff.NewExponentialBackoff(time.Second, time.Minute),
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff.
func (c *AMQPConsumer) Run(ctx context.Context) {
	for attempt := 0; ; {
		err := c.consume(ctx)
		c.connected.Store(false)

		if ctx.Err() != nil {
			c.log.Info("amqp consumer stopped")
			return
		}

		if err != nil {
			c.log.Error("amqp consumer failed", slog.Int("attempt", attempt), sl.Err(err))
			if waitErr := c.backoff.Wait(ctx, attempt); waitErr != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
	}
}

func (c *AMQPConsumer) consume(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(c.cfg.DialTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	queue, err := ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		c.queueArgs(),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		queue.Name,
		"relaywatch-collector",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.connected.Store(true)
	c.log.Info("consuming heartbeats",
		slog.String("queue", queue.Name),
		slog.String("exchange", c.cfg.Exchange),
		slog.String("routing_key", c.cfg.RoutingKey),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return fmt.Errorf("connection lost: %w", amqpErr)
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	var report model.HeartbeatReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		c.log.Warn("dropping malformed heartbeat", slog.String("routing_key", msg.RoutingKey), sl.Err(err))
		c.ingestor.reject(model.SourceAMQP, "malformed")
		_ = msg.Nack(false, false)
		return
	}

	_, err := c.ingestor.Ingest(ctx, &report, Meta{Source: model.SourceAMQP, RemoteAddr: msg.RoutingKey, Queued: true})
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case errors.Is(err, ErrInvalidReport), errors.Is(err, ErrUnknownUnit):
		c.log.Warn("dropping rejected heartbeat", slog.String("unit_id", report.UnitKey()), sl.Err(err))
		_ = msg.Nack(false, false)
	default:
		c.log.Error("failed to ingest heartbeat, requeueing", slog.String("unit_id", report.UnitKey()), sl.Err(err))
		_ = msg.Nack(false, true)
	}
}

func (c *AMQPConsumer) Name() string {
	return "amqp"
}

func (c *AMQPConsumer) Connected() bool {
	return c.connected.Load()
}

// queueArgs expires reports that would already be past the offline
// threshold by the time they are consumed.
func (c *AMQPConsumer) queueArgs() amqp.Table {
	if c.cfg.MessageTTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": c.cfg.MessageTTL.Milliseconds()}
}
