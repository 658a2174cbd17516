package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/snqueue/snqueue-go/contracts"
	"github.com/snqueue/snqueue-go/messaging"
)

// emptyPollInterval is how long Pull waits between basic.get probes while
// the queue is empty and wait time remains.
const emptyPollInterval = 100 * time.Millisecond

// Receiver implements messaging.QueueReceiver. It tracks unacknowledged
// deliveries by receipt handle so they can be acknowledged (deleted) or
// nacked back to the queue (released) later.
type Receiver struct {
	mu         sync.Mutex
	ch         channelAPI
	deliveries map[string]amqp.Delivery
	logger     *slog.Logger
}

func newReceiver(logger *slog.Logger) *Receiver {
	return &Receiver{
		deliveries: make(map[string]amqp.Delivery),
		logger:     logger,
	}
}

func (r *Receiver) setChannel(ch channelAPI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = ch
	r.deliveries = make(map[string]amqp.Delivery)
}

// Pull retrieves up to opts.MaxMessages messages, long-polling for at most
// opts.WaitTime when the queue is empty. Retrieved messages stay hidden
// until deleted or released.
func (r *Receiver) Pull(ctx context.Context, queue string, opts messaging.PullOptions) ([]contracts.RawMessage, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}
	max := opts.MaxMessages
	if max < 1 {
		max = 1
	}

	deadline := time.Now().Add(opts.WaitTime)
	var messages []contracts.RawMessage

	for len(messages) < max {
		select {
		case <-ctx.Done():
			return messages, nil
		default:
		}

		delivery, ok, err := r.get(queue)
		if err != nil {
			return nil, fmt.Errorf("failed to pull from %s: %w", queue, err)
		}
		if !ok {
			// Drain mode once something arrived; otherwise keep long-polling.
			if len(messages) > 0 || !time.Now().Before(deadline) {
				break
			}
			select {
			case <-time.After(emptyPollInterval):
			case <-ctx.Done():
				return messages, nil
			}
			continue
		}

		messages = append(messages, r.track(delivery))
	}

	r.logger.Debug("pulled messages", "queue", queue, "count", len(messages))
	return messages, nil
}

func (r *Receiver) get(queue string) (amqp.Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return amqp.Delivery{}, false, fmt.Errorf("receiver is not connected")
	}
	return r.ch.Get(queue, false)
}

func (r *Receiver) track(delivery amqp.Delivery) contracts.RawMessage {
	handle := strconv.FormatUint(delivery.DeliveryTag, 10)

	attributes := make(map[string]string, len(delivery.Headers))
	for k, v := range delivery.Headers {
		if v != nil {
			attributes[k] = fmt.Sprint(v)
		}
	}

	r.mu.Lock()
	r.deliveries[handle] = delivery
	r.mu.Unlock()

	return contracts.RawMessage{
		MessageID:     delivery.MessageId,
		ReceiptHandle: handle,
		Body:          string(delivery.Body),
		Attributes:    attributes,
	}
}

// DeleteBatch acknowledges the given deliveries, removing them from the
// queue. At most messaging.MaxBatchSize entries per call.
func (r *Receiver) DeleteBatch(ctx context.Context, queue string, messages []contracts.RawMessage) (contracts.BatchResult, error) {
	if len(messages) > messaging.MaxBatchSize {
		return contracts.BatchResult{}, fmt.Errorf("batch size %d exceeds limit %d", len(messages), messaging.MaxBatchSize)
	}

	var result contracts.BatchResult
	for _, msg := range messages {
		delivery, ok := r.take(msg.ReceiptHandle)
		if !ok {
			result.Failed = append(result.Failed, contracts.BatchResultEntry{
				ReceiptHandle: msg.ReceiptHandle,
				Err:           fmt.Errorf("unknown receipt handle"),
			})
			continue
		}
		if err := delivery.Ack(false); err != nil {
			result.Failed = append(result.Failed, contracts.BatchResultEntry{
				ReceiptHandle: msg.ReceiptHandle,
				Err:           err,
			})
			continue
		}
		result.Successful = append(result.Successful, msg.ReceiptHandle)
	}
	return result, nil
}

// ChangeVisibilityBatch releases deliveries back to the queue when timeout
// is zero. Non-zero timeouts cannot be expressed in AMQP and are ignored;
// failures are best effort by contract.
func (r *Receiver) ChangeVisibilityBatch(ctx context.Context, queue string, messages []contracts.RawMessage, timeout time.Duration) error {
	if timeout != 0 {
		return nil
	}
	for _, msg := range messages {
		delivery, ok := r.take(msg.ReceiptHandle)
		if !ok {
			continue
		}
		if err := delivery.Nack(false, true); err != nil {
			r.logger.Warn("failed to release message",
				"queue", queue,
				"receiptHandle", msg.ReceiptHandle,
				"error", err,
			)
		}
	}
	return nil
}

func (r *Receiver) take(handle string) (amqp.Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery, ok := r.deliveries[handle]
	if ok {
		delete(r.deliveries, handle)
	}
	return delivery, ok
}

// releaseAll nacks every tracked delivery, used at teardown so unclaimed
// messages return to the queue instead of expiring with the connection.
func (r *Receiver) releaseAll() {
	r.mu.Lock()
	deliveries := r.deliveries
	r.deliveries = make(map[string]amqp.Delivery)
	r.mu.Unlock()

	for handle, delivery := range deliveries {
		if err := delivery.Nack(false, true); err != nil {
			r.logger.Warn("failed to release message at teardown",
				"receiptHandle", handle,
				"error", err,
			)
		}
	}
}

// Close closes the pull channel.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return nil
	}
	err := r.ch.Close()
	r.ch = nil
	return err
}
