package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPChannel is the subset of *amqp.Channel used here.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// AMQPPublisher publishes JSON payloads to a durable queue named after the topic.
type AMQPPublisher struct {
	ch       AMQPChannel
	mu       sync.Mutex
	declared map[string]bool
}

func NewAMQPPublisher(ch AMQPChannel) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, declared: make(map[string]bool)}
}

func (p *AMQPPublisher) declare(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[topic] {
		return nil
	}
	if _, err := p.ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	p.declared[topic] = true
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.declare(topic); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

const retryHeader = "x-retry-count"

// AMQPConsumer reads a durable queue and acks each delivery once handled.
// A failed delivery is republished with an incremented x-retry-count header
// until MaxRetries, then dropped.
type AMQPConsumer struct {
	ch         AMQPChannel
	Queue      string
	MaxRetries int
}

func NewAMQPConsumer(ch AMQPChannel, queue string, maxRetries int) *AMQPConsumer {
	return &AMQPConsumer{ch: ch, Queue: queue, MaxRetries: maxRetries}
}

func (c *AMQPConsumer) Run(ctx context.Context, handler func(body []byte) error) error {
	if _, err := c.ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.ch.Consume(
		c.Queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(d, handler)
		}
	}
}

func (c *AMQPConsumer) handle(d amqp.Delivery, handler func(body []byte) error) {
	log := logrus.WithField("queue", c.Queue)

	err := handler(d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= c.MaxRetries {
		log.WithError(err).Errorf("Dropping message after %d retries", retries)
		d.Ack(false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)
	pubErr := c.ch.Publish("", c.Queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
		Body:         d.Body,
	})
	if pubErr != nil {
		log.WithError(pubErr).Warn("Failed to requeue message, returning it to the broker")
		d.Nack(false, true)
		return
	}
	log.WithError(err).Warnf("Message failed, requeued (retry %d/%d)", retries+1, c.MaxRetries)
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

var _ Publisher = (*AMQPPublisher)(nil)
