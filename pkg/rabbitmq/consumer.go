package rabbitmq

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer receives dataset events on a private queue.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeDatasetEvents binds an exclusive, auto-deleted queue to the exchange so
// every instance sees every event. Events published by selfID are acknowledged
// and dropped.
func (c *Consumer) ConsumeDatasetEvents(exchange, selfID string, handler func(DatasetEvent) bool) error {
	if handler == nil {
		return fmt.Errorf("no handler provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, RoutingKeyDatasetUpdated, exchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			event, ok := decodeDatasetEvent(d.Body)
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"malformed dataset event; dropping\"")
				d.Ack(false)
				continue
			}
			if event.InstanceID == selfID {
				d.Ack(false)
				continue
			}
			if handler(event) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" reason=%s", event.Reason)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

func decodeDatasetEvent(body []byte) (DatasetEvent, bool) {
	var event DatasetEvent
	if err := json.Unmarshal(body, &event); err != nil || event.InstanceID == "" {
		return DatasetEvent{}, false
	}
	return event, true
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
