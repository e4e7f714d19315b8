// Package busadapter connects the Dispatcher to a topic-based AMQP
// message bus: subscribes to an inbound routing key, publishes
// responses on an outbound one, and reconnects with exponential
// backoff on transport loss.
package busadapter

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/dispatcher"
	"github.com/pht-router/trainrouter/internal/observability"
)

// Config carries the bus connection details.
type Config struct {
	URL         string
	Exchange    string
	InboundKey  string
	OutboundKey string

	ReconnectInterval    time.Duration // base backoff, defaults to 1s
	MaxReconnectInterval time.Duration // backoff ceiling, defaults to 1m
}

// Adapter owns the AMQP connection lifecycle and feeds inbound
// deliveries to a Dispatcher.
type Adapter struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	logger     *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates an Adapter. Call Run to connect and begin consuming.
func New(cfg Config, d *dispatcher.Dispatcher, logger *observability.Logger) *Adapter {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{cfg: cfg, dispatcher: d, logger: logger, ctx: ctx, cancel: cancel}
}

// Run connects to the bus and consumes until the adapter's context is
// cancelled (via Stop), reconnecting with backoff on any transport
// loss. This mirrors the shape of the teacher's worker connector
// reconnect loop, replacing gRPC stream semantics with AMQP channel
// semantics.
func (a *Adapter) Run() error {
	backoff := a.cfg.ReconnectInterval

	for {
		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		default:
		}

		err := a.connectAndConsume()
		if err == nil {
			return nil // ctx was cancelled cleanly mid-consume
		}

		observability.BusReconnects.Inc()
		a.logger.Warn("bus connection lost, reconnecting",
			zap.String("error", observability.RedactString(err.Error())), zap.Duration("backoff", backoff))

		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > a.cfg.MaxReconnectInterval {
			backoff = a.cfg.MaxReconnectInterval
		}
	}
}

// Stop cancels the adapter's context, causing Run to return and the
// underlying connection to be closed.
func (a *Adapter) Stop() {
	a.cancel()
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// Connected reports whether the adapter currently holds a live AMQP
// connection, used by the admin surface's readiness check.
func (a *Adapter) Connected() bool {
	return a.conn != nil && !a.conn.IsClosed()
}

func (a *Adapter) connectAndConsume() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing bus: %w", err)
	}
	defer conn.Close()
	a.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	a.channel = ch

	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, a.cfg.InboundKey, a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}

	// Single-worker-per-queue: prefetch 1, manual ack, one message in
	// flight at a time, guaranteeing per-jobId serializability without
	// any explicit locking (spec.md §5).
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-a.ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %w", amqpErr)
			}
			return fmt.Errorf("connection closed")
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			a.handleDelivery(ch, delivery)
		}
	}
}

func (a *Adapter) handleDelivery(ch *amqp.Channel, delivery amqp.Delivery) {
	// Messages are never re-queued automatically: the router's actions
	// are not idempotent across re-delivery (spec.md §4.D), so every
	// message — malformed or not — is acknowledged exactly once here.
	defer func() {
		if err := delivery.Ack(false); err != nil {
			a.logger.Error("failed to ack delivery", zap.Error(err))
		}
	}()

	out := a.dispatcher.Handle(a.ctx, delivery.Body)
	if out == nil {
		return
	}

	if err := ch.PublishWithContext(a.ctx, a.cfg.Exchange, a.cfg.OutboundKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        out,
	}); err != nil {
		a.logger.Error("failed to publish response", zap.Error(err))
	}
}
