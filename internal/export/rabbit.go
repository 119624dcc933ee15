// Package export mirrors canonical events onto RabbitMQ so downstream systems
// (CRMs, analytics) can consume them without a websocket.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
)

// Channel is the part of *amqp091.Channel the exporter uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Source is where events come from; *events.Bus satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Exporter publishes each event to the durable queue <prefix>_<event type>.
type Exporter struct {
	ch     Channel
	conn   *amqp091.Connection
	prefix string
	only   map[events.Type]bool

	mu       sync.Mutex
	declared map[string]bool
}

// Dial connects to url and returns an exporter over a fresh channel.
func Dial(url, prefix string, types []string) (*Exporter, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	e := New(ch, prefix, types)
	e.conn = conn
	log.Info().Str("prefix", e.prefix).Strs("types", types).Msg("RabbitMQ event export enabled")
	return e, nil
}

func New(ch Channel, prefix string, types []string) *Exporter {
	if prefix == "" {
		prefix = "zapinbox"
	}
	e := &Exporter{
		ch:       ch,
		prefix:   prefix,
		declared: make(map[string]bool),
	}
	if len(types) > 0 {
		e.only = make(map[events.Type]bool, len(types))
		for _, t := range types {
			e.only[events.Type(strings.ToLower(strings.TrimSpace(t)))] = true
		}
	}
	return e
}

// QueueName is the queue an event type is exported to.
func (e *Exporter) QueueName(t events.Type) string {
	return e.prefix + "_" + strings.ToLower(string(t))
}

// Wants reports whether events of type t are exported.
func (e *Exporter) Wants(t events.Type) bool {
	return e.only == nil || e.only[t]
}

// Run exports events from src until ctx ends or src closes. Publish errors
// are logged and the event is skipped.
func (e *Exporter) Run(ctx context.Context, src Source) error {
	ch, cancel := src.Subscribe(1024)
	defer cancel()
	if e.conn != nil {
		defer e.conn.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !e.Wants(evt.Type) {
				continue
			}
			if err := e.Publish(ctx, evt); err != nil {
				log.Error().Err(err).
					Str("eventType", string(evt.Type)).
					Str("eventID", evt.ID).
					Msg("Failed to export event to RabbitMQ")
			}
		}
	}
}

// Publish declares the event's queue on first use and publishes evt to it.
func (e *Exporter) Publish(ctx context.Context, evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	queue := e.QueueName(evt.Type)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.declared[queue] {
		if _, err := e.ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
		}
		e.declared[queue] = true
	}

	err = e.ch.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    evt.ID,
			Timestamp:    evt.At,
			Type:         string(evt.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", queue, err)
	}
	log.Debug().Str("queue", queue).Str("eventID", evt.ID).Msg("Exported event to RabbitMQ")
	return nil
}
