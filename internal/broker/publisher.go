package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const publishTimeout = 5 * time.Second

// publishChannel is the part of *amqp.Channel the publisher uses.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type closer interface {
	Close() error
}

// Publisher hands submitted attempts to downstream consumers (grading).
type Publisher struct {
	conn    closer
	channel publishChannel
	queue   string
	log     zerolog.Logger

	mu sync.Mutex
}

// NewPublisher dials RabbitMQ and declares the durable submission queue.
func NewPublisher(url, queue string, log zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	p := newPublisher(conn, ch, q.Name, log)
	p.log.Info().Str("queue", q.Name).Msg("Connected to RabbitMQ")
	return p, nil
}

func newPublisher(conn closer, ch publishChannel, queue string, log zerolog.Logger) *Publisher {
	return &Publisher{
		conn:    conn,
		channel: ch,
		queue:   queue,
		log:     log.With().Str("component", "broker").Logger(),
	}
}

// PublishSubmitted publishes a persistent attempt.submitted message.
func (p *Publisher) PublishSubmitted(ctx context.Context, event *model.SubmittedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal submitted event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(publishCtx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.AttemptID.String(),
			Timestamp:    event.SubmittedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish submitted event: %w", err)
	}

	p.log.Debug().Str("attempt_id", event.AttemptID.String()).Msg("Submitted event published")
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Close RabbitMQ channel")
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}
