package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// confirmBuffer must exceed the largest batch, otherwise the broker's confirms
// back up behind an unread channel and Publish stalls.
const confirmBuffer = 1024

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON deliveries to a durable queue and
// waits for broker confirms before a batch counts as sent.
type AMQPPublisher struct {
	queue    string
	ch       amqpChannel
	confirms <-chan amqp.Confirmation
	conn     *amqp.Connection

	mu sync.Mutex
	// tag is the delivery tag of the last successful Publish on ch. The broker
	// numbers deliveries from 1 per channel in confirm mode.
	tag uint64
}

func DialAMQP(url, queueName string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	p := newAMQPPublisher(ch, confirms, queueName)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, confirms <-chan amqp.Confirmation, queueName string) *AMQPPublisher {
	return &AMQPPublisher{queue: queueName, ch: ch, confirms: confirms}
}

func (p *AMQPPublisher) PublishBatch(ctx context.Context, msgs []model.DispatchMessage) error {
	if len(msgs) > confirmBuffer {
		return fmt.Errorf("batch of %d exceeds confirm buffer %d", len(msgs), confirmBuffer)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.tag
	now := time.Now().UTC()
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.IdempotencyKey, err)
		}
		err = p.ch.Publish("", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.IdempotencyKey,
			Timestamp:    now,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", m.IdempotencyKey, err)
		}
		p.tag++
	}

	// Confirms at or below start belong to an earlier batch that gave up
	// waiting; they are drained here and never counted.
	pending := p.tag - start
	nacked := 0
	for pending > 0 {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return errors.New("amqp channel closed while awaiting confirms")
			}
			if c.DeliveryTag <= start || c.DeliveryTag > p.tag {
				continue
			}
			pending--
			if !c.Ack {
				nacked++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if nacked > 0 {
		return fmt.Errorf("broker nacked %d of %d messages", nacked, len(msgs))
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
