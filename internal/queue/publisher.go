package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"wecomagent/internal/dispatch"
)

// Publisher enqueues send requests for a Consumer. It is safe for concurrent use;
// publishes are serialized so each confirm and return can be matched to its message.
type Publisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	returns    chan amqp.Return
	exchange   string
	routingKey string
}

// NewPublisher connects to the broker. With an empty exchange, requests are
// published to the default exchange using queueName as the routing key.
func NewPublisher(url, exchange, routingKey, queueName string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if exchange == "" {
		// Matches the consumer's declaration so either side may start first.
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
		}
		routingKey = queueName
	}
	// The broker sends basic.return before the confirm, so a return for a message is
	// buffered here by the time its confirm arrives.
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	return &Publisher{conn: conn, ch: ch, returns: returns, exchange: exchange, routingKey: routingKey}, nil
}

// Publish sends req as a persistent JSON message and waits for the broker to
// confirm it. It returns the message ID.
func (p *Publisher) Publish(ctx context.Context, req dispatch.Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	id := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, p.routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("broker nacked message %s", id)
	}
	if err := checkReturned(p.returns, id); err != nil {
		return "", err
	}
	return id, nil
}

// checkReturned drains pending returns and reports whether message id was among
// them. A returned message was acked by the broker but routed to no queue.
func checkReturned(returns <-chan amqp.Return, id string) error {
	var err error
	for {
		select {
		case ret, open := <-returns:
			if !open {
				return err
			}
			if ret.MessageId == id {
				err = fmt.Errorf("message %s unroutable: %d %s (exchange %q, key %q)", id, ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
			}
		default:
			return err
		}
	}
}

func (p *Publisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}
