package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/snqueue/snqueue-go/contracts"
)

// QueueConsumer provides one-shot retrieval outside the correlation path,
// for workers that drain a queue directly instead of waiting on replies.
type QueueConsumer struct {
	receiver QueueReceiver
	pull     PullOptions
	logger   *slog.Logger
}

// ConsumerOption configures a QueueConsumer.
type ConsumerOption func(*QueueConsumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *QueueConsumer) {
		c.logger = logger
	}
}

// WithConsumerPullOptions sets the pull options.
func WithConsumerPullOptions(opts PullOptions) ConsumerOption {
	return func(c *QueueConsumer) {
		c.pull = opts
	}
}

// NewQueueConsumer creates a consumer over the given receiver port.
func NewQueueConsumer(receiver QueueReceiver, opts ...ConsumerOption) (*QueueConsumer, error) {
	if receiver == nil {
		return nil, fmt.Errorf("receiver cannot be nil")
	}

	c := &QueueConsumer{
		receiver: receiver,
		pull: PullOptions{
			MaxMessages: 1,
			WaitTime:    0,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Retrieve pulls one batch from queue. When deleteAfter is set the pulled
// messages are deleted immediately; delete failures are logged, and the
// messages are still returned to the caller.
func (c *QueueConsumer) Retrieve(ctx context.Context, queue string, deleteAfter bool) ([]contracts.RawMessage, error) {
	messages, err := c.receiver.Pull(ctx, queue, c.pull)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	if deleteAfter && len(messages) > 0 {
		remaining := messages
		for len(remaining) > 0 {
			n := min(len(remaining), MaxBatchSize)
			res, err := c.receiver.DeleteBatch(ctx, queue, remaining[:n])
			if err != nil {
				c.logger.Warn("batch delete failed",
					"queue", queue,
					"count", n,
					"error", err,
				)
			}
			for _, failed := range res.Failed {
				c.logger.Warn("failed to delete message",
					"queue", queue,
					"receiptHandle", failed.ReceiptHandle,
					"error", failed.Err,
				)
			}
			remaining = remaining[n:]
		}
	}

	return messages, nil
}
