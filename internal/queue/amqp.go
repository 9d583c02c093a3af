package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"cadence/internal/domain"
)

// DefaultConfirmTimeout bounds the wait for a broker publish confirmation.
const DefaultConfirmTimeout = 30 * time.Second

// AMQPQueue publishes messages to a topic exchange with publisher confirms.
// The routing key and the bound durable queue are both named after the queue.
type AMQPQueue struct {
	conn           *amqp.Connection
	name           string
	exchange       string
	confirmTimeout time.Duration
	mu             sync.Mutex
}

// DialAMQP connects to url and returns a queue publishing through exchange.
func DialAMQP(url, exchange, name string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to amqp for queue %q", name)
	}
	return NewAMQPQueue(conn, exchange, name), nil
}

func NewAMQPQueue(conn *amqp.Connection, exchange, name string) *AMQPQueue {
	if exchange == "" {
		exchange = "cadence"
	}
	return &AMQPQueue{conn: conn, name: name, exchange: exchange, confirmTimeout: DefaultConfirmTimeout}
}

func (q *AMQPQueue) IsConnected() bool {
	return q.conn != nil && !q.conn.IsClosed()
}

func (q *AMQPQueue) Push(ctx context.Context, command string, args map[string]string) error {
	body, err := encode(command, args, time.Now())
	if err != nil {
		return domain.QueueFailure(err, q.name)
	}
	return domain.QueueFailure(q.publish(ctx, body), q.name)
}

func (q *AMQPQueue) publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.IsConnected() {
		return errors.New("amqp connection is not available")
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer func() { _ = ch.Close() }()

	if err := q.ensureExchangeAndQueue(ch); err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return errors.Wrap(err, "enable confirm mode")
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.PublishWithContext(ctx, q.exchange, q.name, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrap(err, "publish")
	}

	timer := time.NewTimer(q.confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-confirms:
		if !ok {
			return errors.New("confirmation channel closed")
		}
		if !c.Ack {
			return errors.New("broker nacked message")
		}
		return nil
	case <-timer.C:
		return errors.New("publish confirmation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AMQPQueue) ensureExchangeAndQueue(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(q.exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	dq, err := ch.QueueDeclare(q.name, true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(dq.Name, q.name, q.exchange, false, nil); err != nil {
		return errors.Wrap(err, "bind queue")
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	if !q.IsConnected() {
		return nil
	}
	return q.conn.Close()
}
