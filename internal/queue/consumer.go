// Package queue consumes send requests from a RabbitMQ queue and hands them to
// the dispatcher.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wecomagent/internal/dispatch"
	"wecomagent/internal/metrics"
)

// Delivery outcomes, also used as the metrics label.
const (
	OutcomeSent     = "sent"     // acked
	OutcomeRejected = "rejected" // vendor refused the message; acked, not retried
	OutcomePoison   = "poison"   // undecodable or invalid; rejected without requeue
	OutcomeRetry    = "retry"    // transport or auth failure; nacked with requeue
)

const (
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	defaultRetryDelay     = time.Second
)

// Dispatcher sends decoded requests. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, source string) (*dispatch.Result, error)
}

type Config struct {
	URL        string
	Queue      string
	Exchange   string // optional; the queue is bound to it with RoutingKey
	RoutingKey string
	Prefetch   int // also the number of concurrent workers

	Dispatcher Dispatcher
	Metrics    *metrics.MetricsCollector // default metrics.Collector
	Logger     *slog.Logger

	// RetryDelay is waited before a failed delivery is requeued (default 1s).
	RetryDelay time.Duration
	// ReconnectDelay is the initial backoff after a lost connection (default 1s).
	ReconnectDelay time.Duration
	// Dial opens the broker connection. Defaults to amqp.Dial.
	Dial func(url string) (*amqp.Connection, error)
}

// Consumer runs until its context ends, reconnecting when the broker drops it.
type Consumer struct {
	cfg     Config
	metrics *metrics.MetricsCollector
	logger  *slog.Logger
}

func New(cfg Config) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = amqp.Dial
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Collector
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{cfg: cfg, metrics: cfg.Metrics, logger: cfg.Logger}
}

// Run consumes until ctx is cancelled. Connection failures are retried with
// exponential backoff; Run only returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectDelay
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.cfg.ReconnectDelay
		}
		c.logger.Error("queue consumer interrupted, reconnecting", "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff*2 < maxReconnectDelay {
			backoff *= 2
		} else {
			backoff = maxReconnectDelay
		}
	}
}

// consume runs one connection's lifetime. connected reports whether the topology
// was declared and consumption started.
func (c *Consumer) consume(ctx context.Context) (connected bool, err error) {
	conn, err := c.cfg.Dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("qos: %w", err)
	}
	if err := c.declare(ch); err != nil {
		return false, err
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("queue consumer started", "queue", c.cfg.Queue, "prefetch", c.cfg.Prefetch)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				c.handle(ctx, d)
			}
		}()
	}

	select {
	case <-ctx.Done():
		_ = ch.Close()
		wg.Wait()
		c.logger.Info("queue consumer stopped")
		return true, nil
	case amqpErr := <-closeCh:
		wg.Wait()
		if amqpErr == nil {
			return true, errors.New("channel closed")
		}
		return true, amqpErr
	}
}

// declare creates the durable queue and, when an exchange is configured, the
// exchange and binding.
func (c *Consumer) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", c.cfg.Queue, c.cfg.Exchange, err)
	}
	return nil
}

// handle processes one delivery and settles it with the broker.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) string {
	req, err := dispatch.DecodeRequest(d.Body)
	if err == nil {
		_, err = c.cfg.Dispatcher.Dispatch(ctx, req, "queue")
	}

	outcome := Outcome(err)
	var ackErr error
	switch outcome {
	case OutcomePoison:
		c.logger.Warn("dropping invalid queued request", "delivery_tag", d.DeliveryTag, "err", err)
		ackErr = d.Reject(false)
	case OutcomeRetry:
		c.logger.Warn("queued request failed, requeueing", "delivery_tag", d.DeliveryTag, "err", err, "redelivered", d.Redelivered)
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.RetryDelay):
		}
		ackErr = d.Nack(false, true)
	default:
		ackErr = d.Ack(false)
	}
	if ackErr != nil {
		c.logger.Error("cannot settle delivery", "delivery_tag", d.DeliveryTag, "outcome", outcome, "err", ackErr)
	}

	c.metrics.QueueDeliveries(outcome).Inc()
	return outcome
}

// Outcome maps a dispatch error to how the delivery is settled.
func Outcome(err error) string {
	switch dispatch.Classify(err) {
	case metrics.ResultOK:
		return OutcomeSent
	case metrics.ResultInvalid:
		return OutcomePoison
	case metrics.ResultVendor:
		return OutcomeRejected
	default:
		return OutcomeRetry
	}
}
