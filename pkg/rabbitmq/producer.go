/**
 * @description
 * Publishes dataset invalidation events so other console instances sharing a
 * cache know to refetch.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// RoutingKeyDatasetUpdated is published after every dataset write.
const RoutingKeyDatasetUpdated = "dataset.updated"

// DatasetEvent says which instance wrote the dataset and why.
type DatasetEvent struct {
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	PublishDatasetEvent(ctx context.Context, event DatasetEvent) error
	Close()
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is not configured
// or unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) PublishDatasetEvent(ctx context.Context, event DatasetEvent) error {
	log.Printf("level=debug component=rabbitmq_producer mode=fallback msg=\"dataset event skipped\" reason=%s", event.Reason)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewEventProducer connects and declares the topic exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{exchange: exchange, conn: conn, channel: ch}, nil
}

// PublishDatasetEvent publishes event under RoutingKeyDatasetUpdated.
func (p *EventProducer) PublishDatasetEvent(ctx context.Context, event DatasetEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		log.Printf("level=warn component=rabbitmq_producer msg=\"channel closed; reopening\" exchange=%s", p.exchange)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKeyDatasetUpdated,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
