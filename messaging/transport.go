package messaging

import (
	"context"
	"time"

	"github.com/snqueue/snqueue-go/contracts"
)

// TopicPublisher publishes request payloads to a topic.
type TopicPublisher interface {
	// Publish sends payload to topic and returns the transport-assigned
	// message id. That id is the correlation identifier replies carry back.
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (string, error)

	// Close closes the publisher.
	Close() error
}

// PullOptions bounds a single pull from a reply queue.
type PullOptions struct {
	// MaxMessages is the batch size, in [1, 10].
	MaxMessages int

	// VisibilityTimeout is how long pulled messages stay hidden from
	// other pulls before the transport redelivers them.
	VisibilityTimeout time.Duration

	// WaitTime is the long-poll duration of an empty pull.
	WaitTime time.Duration
}

// QueueReceiver receives, deletes and releases messages on a reply queue.
type QueueReceiver interface {
	// Pull retrieves up to opts.MaxMessages messages from queue.
	Pull(ctx context.Context, queue string, opts PullOptions) ([]contracts.RawMessage, error)

	// DeleteBatch deletes messages from queue. Callers must chunk to at
	// most MaxBatchSize entries per invocation.
	DeleteBatch(ctx context.Context, queue string, messages []contracts.RawMessage) (contracts.BatchResult, error)

	// ChangeVisibilityBatch resets the visibility timeout of messages.
	// A zero timeout makes them immediately re-pullable. Best effort:
	// individual failures self-heal when the original lease expires.
	ChangeVisibilityBatch(ctx context.Context, queue string, messages []contracts.RawMessage, timeout time.Duration) error

	// Close closes the receiver.
	Close() error
}

// Transport provides both ports plus connection lifecycle.
type Transport interface {
	Publisher() TopicPublisher
	Receiver() QueueReceiver

	// Connect establishes the connection to the broker.
	Connect(ctx context.Context) error

	// Close closes all resources.
	Close() error

	// IsConnected returns connection status.
	IsConnected() bool
}

// MaxBatchSize is the transport limit on entries per batch delete call.
const MaxBatchSize = 10
