// Package events публикует события счетов и уведомлений в RabbitMQ.
package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mmeshcher/catering-system/internal/model"
)

const (
	invoicesExchange      = "invoices_direct"
	notificationsExchange = "notifications_fanout"
	invoicesRoutingKey    = "invoice.created"
)

// Publisher отправляет события во внешние обменники RabbitMQ.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher подключается к RabbitMQ и объявляет обменники.
func NewPublisher(amqpURI string) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		invoicesExchange, // name
		"direct",         // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare invoices exchange: %w", err)
	}

	err = channel.ExchangeDeclare(
		notificationsExchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare notifications exchange: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: channel,
	}, nil
}

// Publish отправляет одно событие в соответствующий обменник.
// Сообщения публикуются как persistent: потребитель может отставать.
func (p *Publisher) Publish(ctx context.Context, ev model.OutboxEvent) error {
	exchange := notificationsExchange
	routingKey := ""
	if ev.Kind == model.EventInvoice {
		exchange = invoicesExchange
		routingKey = invoicesRoutingKey
	}

	err := p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         ev.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}

	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
