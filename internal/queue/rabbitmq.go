// internal/queue/rabbitmq.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher emits task lifecycle events to RabbitMQ. It is publish-only:
// task execution itself stays in-process, consumers of these events are
// external observers.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.RabbitMQConfig
}

func NewPublisher(cfg config.RabbitMQConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		channel: ch,
		config:  cfg,
	}

	if err := p.setupQueue(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to setup events queue: %w", err)
	}

	return p, nil
}

func (p *Publisher) setupQueue() error {
	args := make(amqp.Table)
	args["x-message-ttl"] = 72 * 60 * 60 * 1000 // 72 hours in milliseconds

	_, err := p.channel.QueueDeclare(
		p.config.EventsQueue, // name
		true,                 // durable
		false,                // delete when unused
		false,                // exclusive
		false,                // no-wait
		args,                 // arguments - including TTL
	)
	return err
}

// PublishTaskEvent publishes a single lifecycle event
func (p *Publisher) PublishTaskEvent(ctx context.Context, event *models.TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}

	return p.channel.PublishWithContext(ctx,
		"",                   // exchange
		p.config.EventsQueue, // routing key
		false,                // mandatory
		false,                // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close tears down the channel and the connection. Both are always
// closed, so a failed channel close cannot leak the connection.
func (p *Publisher) Close() error {
	return closeAll(p.channel, p.conn)
}

func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
