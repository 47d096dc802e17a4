package amqphook

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the exchange events are published to unless
// overridden.
const DefaultExchange = "photoq.events"

// Publisher delivers one encoded event. The routing key is the event
// type.
type Publisher interface {
	Publish(ctx context.Context, key, contentType string, body []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, key, contentType string, body []byte) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, key, contentType string, body []byte) error {
	return f(ctx, key, contentType, body)
}

// ExchangePublisher publishes to a durable direct AMQP exchange.
type ExchangePublisher struct {
	ch       *amqp.Channel
	exchange string
}

var _ Publisher = (*ExchangePublisher)(nil)

// NewExchangePublisher declares exchange as a durable direct exchange
// on ch and returns a publisher bound to it. An empty exchange name
// selects DefaultExchange. Messages are published persistent, so they
// survive a broker restart once routed to a durable queue.
func NewExchangePublisher(ch *amqp.Channel, exchange string) (*ExchangePublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &ExchangePublisher{ch: ch, exchange: exchange}, nil
}

// Publish implements Publisher.
func (p *ExchangePublisher) Publish(ctx context.Context, key, contentType string, body []byte) error {
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}
