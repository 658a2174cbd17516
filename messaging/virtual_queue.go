package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snqueue/snqueue-go/contracts"
	"github.com/snqueue/snqueue-go/internal/reliability"
)

// Reply is the resolved response of a Request call.
type Reply struct {
	// Message is the raw queue message that answered the request.
	Message contracts.RawMessage

	// Envelope is the decoded notification envelope. It is zero when the
	// body is not a well-formed envelope, which can happen with custom
	// matchers over opaque bodies.
	Envelope contracts.Envelope
}

// Payload returns the reply payload text carried inside the envelope.
func (r *Reply) Payload() string {
	return r.Envelope.Message
}

// UnmarshalPayload decodes the reply payload as JSON into v.
func (r *Reply) UnmarshalPayload(v any) error {
	return json.Unmarshal([]byte(r.Envelope.Message), v)
}

// VirtualQueueClient correlates request/reply cycles over a shared reply
// queue. Several concurrent Request calls share one instance; the instance
// owns the outstanding-wait set, the pulled pool and the claimed pool for
// its queue exclusively.
//
// All pool mutations happen under mu. pollMu additionally serializes the
// flush-then-pull sequence so that poll cycles never overlap.
type VirtualQueueClient struct {
	queue     string
	publisher TopicPublisher
	receiver  QueueReceiver

	pull           PullOptions
	defaultTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger

	mu      sync.Mutex
	waiting map[string]struct{}
	pulled  []contracts.RawMessage
	claimed []contracts.RawMessage

	pollMu sync.Mutex
}

// VirtualQueueOption configures a VirtualQueueClient.
type VirtualQueueOption func(*VirtualQueueClient)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) VirtualQueueOption {
	return func(c *VirtualQueueClient) {
		c.logger = logger
	}
}

// WithPullOptions sets the pull batch size, visibility timeout and
// long-poll wait time used by poll cycles.
func WithPullOptions(opts PullOptions) VirtualQueueOption {
	return func(c *VirtualQueueClient) {
		c.pull = opts
	}
}

// WithDefaultTimeout sets the request timeout used when a Request call
// does not specify one.
func WithDefaultTimeout(timeout time.Duration) VirtualQueueOption {
	return func(c *VirtualQueueClient) {
		c.defaultTimeout = timeout
	}
}

// WithRetryPolicy sets the retry policy applied to the publish step.
func WithRetryPolicy(policy reliability.RetryPolicy) VirtualQueueOption {
	return func(c *VirtualQueueClient) {
		c.retryPolicy = policy
	}
}

// WithCircuitBreaker sets the circuit breaker applied to the publish step.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) VirtualQueueOption {
	return func(c *VirtualQueueClient) {
		c.circuitBreaker = cb
	}
}

// NewVirtualQueueClient creates a correlation client for one reply queue.
// Callers sharing a queue must share the instance; use Registry (or the
// root snqueue.Client) rather than constructing duplicates.
func NewVirtualQueueClient(queue string, publisher TopicPublisher, receiver QueueReceiver, opts ...VirtualQueueOption) (*VirtualQueueClient, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if receiver == nil {
		return nil, fmt.Errorf("receiver cannot be nil")
	}

	c := &VirtualQueueClient{
		queue:     queue,
		publisher: publisher,
		receiver:  receiver,
		pull: PullOptions{
			MaxMessages:       10,
			VisibilityTimeout: 30 * time.Second,
			WaitTime:          5 * time.Second,
		},
		defaultTimeout: 10 * time.Minute,
		logger:         slog.Default(),
		waiting:        make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.pull.MaxMessages < 1 || c.pull.MaxMessages > MaxBatchSize {
		return nil, fmt.Errorf("pull batch size must be in [1, %d], got %d", MaxBatchSize, c.pull.MaxMessages)
	}

	return c, nil
}

// Queue returns the reply queue identity this client polls.
func (c *VirtualQueueClient) Queue() string {
	return c.queue
}

// Request publishes payload to topic and waits for the reply that carries
// the publish's message id as its correlation id. The payload is sent as-is
// when it is a string or []byte and JSON-encoded otherwise.
//
// On publish failure Request returns a *PublishError and registers no wait.
// When the timeout elapses it returns a *TimeoutError with the wait
// deregistered; unrelated in-flight requests are unaffected.
func (c *VirtualQueueClient) Request(ctx context.Context, topic string, payload any, opts ...RequestOption) (*Reply, error) {
	ro := requestOptions{
		timeout: c.defaultTimeout,
		match:   DefaultMatch,
	}
	for _, opt := range opts {
		opt(&ro)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	correlationID, err := c.publish(ctx, topic, body, ro.publishOpts)
	if err != nil {
		return nil, &PublishError{Topic: topic, Err: err}
	}

	c.logger.Debug("request published",
		"topic", topic,
		"correlationId", correlationID,
		"queue", c.queue,
	)

	return c.waitForReply(ctx, correlationID, ro)
}

// publish runs the publish step with the configured reliability patterns.
func (c *VirtualQueueClient) publish(ctx context.Context, topic string, body []byte, opts []PublishOption) (string, error) {
	var correlationID string

	publishFunc := func() error {
		id, err := c.publisher.Publish(ctx, topic, body, opts...)
		if err != nil {
			return err
		}
		correlationID = id
		return nil
	}

	var err error
	switch {
	case c.circuitBreaker != nil:
		err = c.circuitBreaker.Execute(ctx, func() error {
			return c.retryPublish(ctx, publishFunc)
		})
	default:
		err = c.retryPublish(ctx, publishFunc)
	}
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

func (c *VirtualQueueClient) retryPublish(ctx context.Context, publishFunc func() error) error {
	if c.retryPolicy != nil {
		return reliability.Retry(ctx, c.retryPolicy, publishFunc)
	}
	return publishFunc()
}

// waitForReply registers correlationID as an outstanding wait and loops
// between scanning the pulled pool and triggering poll cycles until a match
// arrives or the deadline passes.
func (c *VirtualQueueClient) waitForReply(ctx context.Context, correlationID string, ro requestOptions) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()

	c.mu.Lock()
	c.waiting[correlationID] = struct{}{}
	c.mu.Unlock()

	// Claiming removes the id itself; this covers timeout and cancel.
	defer func() {
		c.mu.Lock()
		delete(c.waiting, correlationID)
		c.mu.Unlock()
	}()

	for {
		if reply := c.claim(correlationID, ro.match); reply != nil {
			return reply, nil
		}

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{CorrelationID: correlationID, Timeout: ro.timeout}
			}
			return nil, err
		}

		polled, err := c.poll(ctx, ro.match)
		if err != nil {
			c.logger.Warn("poll cycle failed",
				"queue", c.queue,
				"error", err,
			)
			if !sleepCtx(ctx, 500*time.Millisecond) {
				continue
			}
		}
		if !polled {
			// Another waiter's pull has not been drained yet; back off
			// briefly instead of spinning on the pool.
			sleepCtx(ctx, 5*time.Millisecond)
		}
	}
}

// claim scans the pulled pool in insertion order and, on the first match,
// atomically moves the message to the claimed pool and deregisters the
// wait. First match wins.
func (c *VirtualQueueClient) claim(correlationID string, match MatchFunc) *Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, msg := range c.pulled {
		if !match(correlationID, msg) {
			continue
		}
		c.pulled = append(c.pulled[:i], c.pulled[i+1:]...)
		c.claimed = append(c.claimed, msg)
		delete(c.waiting, correlationID)
		return decodeReply(msg)
	}
	return nil
}

// poll runs one flush-then-pull cycle. It is a no-op returning false when
// the pulled pool is non-empty: pulling more messages while earlier ones
// are unclassified could drop or double-count in-flight matches.
func (c *VirtualQueueClient) poll(ctx context.Context, match MatchFunc) (bool, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	if len(c.pulled) > 0 {
		c.mu.Unlock()
		return false, nil
	}
	claimed := c.claimed
	c.claimed = nil
	c.mu.Unlock()

	if len(claimed) > 0 {
		c.flush(ctx, claimed)
	}

	messages, err := c.receiver.Pull(ctx, c.queue, c.pull)
	if err != nil {
		return true, fmt.Errorf("pull failed: %w", err)
	}
	if len(messages) == 0 {
		return true, nil
	}

	c.mu.Lock()
	var unmatched []contracts.RawMessage
	for _, msg := range messages {
		if c.matchesAnyWaiter(msg, match) {
			c.pulled = append(c.pulled, msg)
		} else {
			unmatched = append(unmatched, msg)
		}
	}
	c.mu.Unlock()

	if len(unmatched) > 0 {
		if err := c.receiver.ChangeVisibilityBatch(ctx, c.queue, unmatched, 0); err != nil {
			// Best effort: the messages reappear once their original
			// visibility timeout expires.
			c.logger.Warn("failed to release unmatched messages",
				"queue", c.queue,
				"count", len(unmatched),
				"error", err,
			)
		}
	}

	return true, nil
}

// matchesAnyWaiter must be called with mu held.
func (c *VirtualQueueClient) matchesAnyWaiter(msg contracts.RawMessage, match MatchFunc) bool {
	for id := range c.waiting {
		if match(id, msg) {
			return true
		}
	}
	return false
}

// flush deletes claimed messages in chunks of MaxBatchSize. Failed deletes
// are logged and dropped: the claimed message was already handed to its
// waiter, and a handle is never resubmitted to DeleteBatch.
func (c *VirtualQueueClient) flush(ctx context.Context, claimed []contracts.RawMessage) {
	var result contracts.BatchResult
	for len(claimed) > 0 {
		n := min(len(claimed), MaxBatchSize)
		res, err := c.receiver.DeleteBatch(ctx, c.queue, claimed[:n])
		if err != nil {
			c.logger.Warn("batch delete failed",
				"queue", c.queue,
				"count", n,
				"error", err,
			)
		}
		result.Merge(res)
		claimed = claimed[n:]
	}

	for _, failed := range result.Failed {
		c.logger.Warn("failed to delete claimed message",
			"queue", c.queue,
			"receiptHandle", failed.ReceiptHandle,
			"error", failed.Err,
		)
	}
	c.logger.Debug("flushed claimed messages",
		"queue", c.queue,
		"deleted", len(result.Successful),
		"failed", len(result.Failed),
	)
}

// PendingWaits returns the number of outstanding waits.
func (c *VirtualQueueClient) PendingWaits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

// Close flushes any still-claimed messages. It does not close the
// transport ports, which the client does not own.
func (c *VirtualQueueClient) Close() error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	claimed := c.claimed
	c.claimed = nil
	c.mu.Unlock()

	if len(claimed) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.flush(ctx, claimed)
	return nil
}

// decodeReply builds a Reply, tolerating bodies that are not envelopes.
func decodeReply(msg contracts.RawMessage) *Reply {
	reply := &Reply{Message: msg}
	if env, err := contracts.ParseEnvelope(msg.Body); err == nil {
		reply.Envelope = env
	}
	return reply
}

// encodePayload serializes a request payload for publishing.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload cannot be nil")
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// sleepCtx sleeps for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
