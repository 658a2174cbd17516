package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/snqueue/snqueue-go/messaging"
)

// Publisher implements messaging.TopicPublisher. Each topic is a durable
// fanout exchange, declared lazily on first publish.
type Publisher struct {
	mu       sync.Mutex
	ch       channelAPI
	declared map[string]struct{}
	logger   *slog.Logger
}

func newPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		declared: make(map[string]struct{}),
		logger:   logger,
	}
}

func (p *Publisher) setChannel(ch channelAPI) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = ch
	p.declared = make(map[string]struct{})
}

// Publish sends payload to the topic exchange and returns the generated
// message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, opts ...messaging.PublishOption) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic cannot be empty")
	}

	options := messaging.PublishOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return "", fmt.Errorf("publisher is not connected")
	}

	if err := p.ensureExchange(topic); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	headers := amqp.Table{}
	for k, v := range options.Attributes {
		headers[k] = v
	}
	if options.Subject != "" {
		headers["subject"] = options.Subject
	}
	if options.GroupID != "" {
		headers["group-id"] = options.GroupID
	}

	publishing := amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         payload,
	}

	if err := p.ch.PublishWithContext(ctx, topic, "", false, false, publishing); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Debug("message published",
		"topic", topic,
		"messageId", messageID,
		"bytes", len(payload),
	)
	return messageID, nil
}

// ensureExchange must be called with mu held.
func (p *Publisher) ensureExchange(topic string) error {
	if _, ok := p.declared[topic]; ok {
		return nil
	}
	if err := p.ch.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
	}
	p.declared[topic] = struct{}{}
	return nil
}

// Close closes the publish channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
