// Package notify mirrors emergency events to RabbitMQ so external
// gateways (SMS/WhatsApp relays) can consume them out of process.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"vantrack/boarding/internal/fanout"
)

const alertQueue = "alerts.emergency"

// Bridge is a fanout subscriber that forwards emergency events to a
// durable queue. Boarding traffic is not mirrored; the broker carries
// only alert notifications. Publish errors are logged and returned so
// delivery stays best-effort for the caller.
type Bridge struct {
	url string
}

func NewBridge(url string) *Bridge {
	return &Bridge{url: url}
}

func (b *Bridge) Deliver(event fanout.Event) error {
	switch event.Type {
	case fanout.EventEmergencyAlert, fanout.EventEmergencyAcknowledged, fanout.EventEmergencyResolved:
	default:
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.publish(ctx, event)
}

func (b *Bridge) publish(ctx context.Context, event fanout.Event) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		log.Printf("amqp: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("amqp: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		alertQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		log.Printf("amqp: queue declare failed: %v", err)
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("amqp: marshal event failed: %v", err)
		return err
	}

	if err := ch.PublishWithContext(ctx,
		"",         // default exchange
		alertQueue, // routing key = queue name
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	); err != nil {
		log.Printf("amqp: publish failed: %v", err)
		return err
	}
	return nil
}
