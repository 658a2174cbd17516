package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/snqueue/snqueue-go/messaging"
)

// channelAPI is the slice of *amqp.Channel the adapter uses. Narrowing it
// to an interface keeps the adapter testable without a broker.
type channelAPI interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Transport implements messaging.Transport over amqp091. Publishing and
// pulling run on separate channels because AMQP channels are not safe for
// concurrent use across those operations.
type Transport struct {
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	connected bool

	publisher *Publisher
	receiver  *Receiver
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport for the given connection string. Connect
// must be called before the ports are used.
func NewTransport(connectionString string, opts ...TransportOption) (*Transport, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	t := &Transport{
		url:    connectionString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.publisher = newPublisher(t.logger)
	t.receiver = newReceiver(t.logger)
	return t, nil
}

// Connect dials the broker and opens the publish and pull channels.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	getCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open pull channel: %w", err)
	}

	t.conn = conn
	t.connected = true
	t.publisher.setChannel(pubCh)
	t.receiver.setChannel(getCh)

	t.logger.Debug("transport connected", "url", t.url)
	return nil
}

// Publisher returns the topic publisher port.
func (t *Transport) Publisher() messaging.TopicPublisher {
	return t.publisher
}

// Receiver returns the queue receiver port.
func (t *Transport) Receiver() messaging.QueueReceiver {
	return t.receiver
}

// IsConnected returns connection status.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.conn != nil && !t.conn.IsClosed()
}

// Close releases unacknowledged deliveries and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	t.receiver.releaseAll()
	t.publisher.Close()
	t.receiver.Close()

	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
		t.conn = nil
	}
	return nil
}
