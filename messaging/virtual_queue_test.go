package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snqueue/snqueue-go/contracts"
)

// fakePublisher assigns correlation ids keyed by payload so concurrent
// tests stay deterministic.
type fakePublisher struct {
	mu          sync.Mutex
	idByPayload map[string]string
	publishErr  error
	published   []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return "", p.publishErr
	}
	p.published = append(p.published, string(payload))
	if id, ok := p.idByPayload[string(payload)]; ok {
		return id, nil
	}
	return uuid.New().String(), nil
}

func (p *fakePublisher) Close() error { return nil }

type releaseRecord struct {
	handles []string
	timeout time.Duration
}

// fakeReceiver serves queued batches in order. Released messages are
// requeued as a fresh batch, mimicking transport redelivery.
type fakeReceiver struct {
	mu          sync.Mutex
	batches     [][]contracts.RawMessage
	pulls       int
	deleted     []string
	deleteErr   map[string]error
	deleteSizes []int
	released    []releaseRecord
}

func (r *fakeReceiver) Pull(ctx context.Context, queue string, opts PullOptions) ([]contracts.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	if len(r.batches) == 0 {
		return nil, nil
	}
	batch := r.batches[0]
	r.batches = r.batches[1:]
	return batch, nil
}

func (r *fakeReceiver) DeleteBatch(ctx context.Context, queue string, messages []contracts.RawMessage) (contracts.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteSizes = append(r.deleteSizes, len(messages))
	var result contracts.BatchResult
	for _, msg := range messages {
		r.deleted = append(r.deleted, msg.ReceiptHandle)
		if err, ok := r.deleteErr[msg.ReceiptHandle]; ok {
			result.Failed = append(result.Failed, contracts.BatchResultEntry{ReceiptHandle: msg.ReceiptHandle, Err: err})
			continue
		}
		result.Successful = append(result.Successful, msg.ReceiptHandle)
	}
	return result, nil
}

func (r *fakeReceiver) ChangeVisibilityBatch(ctx context.Context, queue string, messages []contracts.RawMessage, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := releaseRecord{timeout: timeout}
	for _, msg := range messages {
		rec.handles = append(rec.handles, msg.ReceiptHandle)
	}
	r.released = append(r.released, rec)
	if timeout == 0 {
		r.batches = append(r.batches, messages)
	}
	return nil
}

func (r *fakeReceiver) Close() error { return nil }

func (r *fakeReceiver) deletedHandles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func (r *fakeReceiver) pullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// replyMessage builds a raw message whose envelope answers requestID.
func replyMessage(requestID, payload string) contracts.RawMessage {
	env := contracts.Envelope{
		Type:    "Notification",
		Message: payload,
		MessageAttributes: map[string]contracts.MessageAttributeValue{
			contracts.ResponseMetadataAttribute: {
				Type:  "String",
				Value: fmt.Sprintf(`{"RequestId":%q}`, requestID),
			},
		},
	}
	body, _ := json.Marshal(env)
	return contracts.RawMessage{
		MessageID:     uuid.New().String(),
		ReceiptHandle: uuid.New().String(),
		Body:          string(body),
	}
}

func newTestClient(t *testing.T, publisher *fakePublisher, receiver *fakeReceiver, opts ...VirtualQueueOption) *VirtualQueueClient {
	t.Helper()
	defaults := []VirtualQueueOption{
		WithDefaultTimeout(2 * time.Second),
	}
	client, err := NewVirtualQueueClient("https://queue.test/replies", publisher, receiver, append(defaults, opts...)...)
	require.NoError(t, err)
	return client
}

func TestNewVirtualQueueClient(t *testing.T) {
	t.Run("fails with empty queue", func(t *testing.T) {
		_, err := NewVirtualQueueClient("", &fakePublisher{}, &fakeReceiver{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "queue cannot be empty")
	})

	t.Run("fails with nil publisher", func(t *testing.T) {
		_, err := NewVirtualQueueClient("q", nil, &fakeReceiver{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "publisher cannot be nil")
	})

	t.Run("fails with nil receiver", func(t *testing.T) {
		_, err := NewVirtualQueueClient("q", &fakePublisher{}, nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "receiver cannot be nil")
	})

	t.Run("fails with out-of-range batch size", func(t *testing.T) {
		_, err := NewVirtualQueueClient("q", &fakePublisher{}, &fakeReceiver{},
			WithPullOptions(PullOptions{MaxMessages: 11}))

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "pull batch size")
	})
}

func TestRequest(t *testing.T) {
	t.Run("resolves the matching reply and deletes it on the next flush", func(t *testing.T) {
		msg := replyMessage("abc123", `{"status":"done"}`)
		publisher := &fakePublisher{idByPayload: map[string]string{"ping": "abc123"}}
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{msg}}}
		client := newTestClient(t, publisher, receiver)

		reply, err := client.Request(context.Background(), "topic", "ping")

		require.NoError(t, err)
		assert.Equal(t, `{"status":"done"}`, reply.Payload())
		assert.Equal(t, msg.ReceiptHandle, reply.Message.ReceiptHandle)
		assert.Equal(t, 0, client.PendingWaits())
		assert.Empty(t, receiver.deletedHandles(), "delete is deferred to the next flush")

		// The next request's poll cycle flushes the claimed message.
		_, err = client.Request(context.Background(), "topic", "other",
			WithRequestTimeout(100*time.Millisecond))

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, []string{msg.ReceiptHandle}, receiver.deletedHandles())
	})

	t.Run("returns PublishError and registers no wait when publish fails", func(t *testing.T) {
		publisher := &fakePublisher{publishErr: errors.New("topic rejected")}
		receiver := &fakeReceiver{}
		client := newTestClient(t, publisher, receiver)

		_, err := client.Request(context.Background(), "topic", "ping")

		var publishErr *PublishError
		require.ErrorAs(t, err, &publishErr)
		assert.Equal(t, "topic", publishErr.Topic)
		assert.Equal(t, 0, client.PendingWaits())
		assert.Equal(t, 0, receiver.pullCount())
	})

	t.Run("times out with the wait deregistered", func(t *testing.T) {
		publisher := &fakePublisher{}
		receiver := &fakeReceiver{}
		client := newTestClient(t, publisher, receiver)

		start := time.Now()
		_, err := client.Request(context.Background(), "topic", "ping",
			WithRequestTimeout(100*time.Millisecond))

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, 0, client.PendingWaits())
	})

	t.Run("caller cancellation surfaces context error", func(t *testing.T) {
		publisher := &fakePublisher{}
		receiver := &fakeReceiver{}
		client := newTestClient(t, publisher, receiver)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := client.Request(ctx, "topic", "ping")

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, client.PendingWaits())
	})

	t.Run("two concurrent requests resolve despite reversed arrival order", func(t *testing.T) {
		publisher := &fakePublisher{idByPayload: map[string]string{"p1": "r1", "p2": "r2"}}
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{
			replyMessage("r2", "reply-for-r2"),
			replyMessage("r1", "reply-for-r1"),
		}}}
		client := newTestClient(t, publisher, receiver)

		var wg sync.WaitGroup
		results := make(map[string]string)
		var mu sync.Mutex
		for _, payload := range []string{"p1", "p2"} {
			wg.Add(1)
			go func(payload string) {
				defer wg.Done()
				reply, err := client.Request(context.Background(), "topic", payload)
				assert.NoError(t, err)
				if err == nil {
					mu.Lock()
					results[payload] = reply.Payload()
					mu.Unlock()
				}
			}(payload)
		}
		wg.Wait()

		assert.Equal(t, "reply-for-r1", results["p1"])
		assert.Equal(t, "reply-for-r2", results["p2"])
		assert.Equal(t, 0, client.PendingWaits())
	})

	t.Run("unmatched messages are released with zero visibility", func(t *testing.T) {
		stranger1 := replyMessage("someone-else", "not-yours")
		stranger2 := contracts.RawMessage{ReceiptHandle: "opaque", Body: "not an envelope"}
		mine := replyMessage("abc123", "mine")
		publisher := &fakePublisher{idByPayload: map[string]string{"ping": "abc123"}}
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{stranger1, mine, stranger2}}}
		client := newTestClient(t, publisher, receiver)

		reply, err := client.Request(context.Background(), "topic", "ping")

		require.NoError(t, err)
		assert.Equal(t, "mine", reply.Payload())
		require.Len(t, receiver.released, 1)
		assert.Equal(t, time.Duration(0), receiver.released[0].timeout)
		assert.ElementsMatch(t, []string{stranger1.ReceiptHandle, "opaque"}, receiver.released[0].handles)
		assert.Empty(t, receiver.deletedHandles(), "released messages are never deleted")
	})

	t.Run("released message is observable by a later request", func(t *testing.T) {
		late := replyMessage("late-id", "late-reply")
		publisher := &fakePublisher{idByPayload: map[string]string{"early": "early-id", "late": "late-id"}}
		// The late reply arrives while only the early waiter is registered;
		// the fake requeues released messages like a real transport would.
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{late}}}
		client := newTestClient(t, publisher, receiver)

		_, err := client.Request(context.Background(), "topic", "early",
			WithRequestTimeout(100*time.Millisecond))
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		require.NotEmpty(t, receiver.released)

		reply, err := client.Request(context.Background(), "topic", "late")

		require.NoError(t, err)
		assert.Equal(t, "late-reply", reply.Payload())
	})

	t.Run("no message is ever deleted twice", func(t *testing.T) {
		msg1 := replyMessage("id-1", "one")
		msg2 := replyMessage("id-2", "two")
		publisher := &fakePublisher{idByPayload: map[string]string{"p1": "id-1", "p2": "id-2"}}
		receiver := &fakeReceiver{
			batches:   [][]contracts.RawMessage{{msg1}, {msg2}},
			deleteErr: map[string]error{msg1.ReceiptHandle: errors.New("receipt expired")},
		}
		client := newTestClient(t, publisher, receiver)

		_, err := client.Request(context.Background(), "topic", "p1")
		require.NoError(t, err)
		_, err = client.Request(context.Background(), "topic", "p2")
		require.NoError(t, err)
		require.NoError(t, client.Close())

		deleted := receiver.deletedHandles()
		seen := make(map[string]int)
		for _, handle := range deleted {
			seen[handle]++
		}
		for handle, count := range seen {
			assert.Equal(t, 1, count, "handle %s deleted %d times", handle, count)
		}
		// The failed delete is not resubmitted.
		assert.Contains(t, deleted, msg1.ReceiptHandle)
	})

	t.Run("custom matcher overrides the default", func(t *testing.T) {
		opaque := contracts.RawMessage{ReceiptHandle: "h1", Body: "OPAQUE:token-42"}
		publisher := &fakePublisher{idByPayload: map[string]string{"req": "token-42"}}
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{opaque}}}
		client := newTestClient(t, publisher, receiver)

		reply, err := client.Request(context.Background(), "topic", "req",
			WithMatcher(func(correlationID string, msg contracts.RawMessage) bool {
				return msg.Body == "OPAQUE:"+correlationID
			}))

		require.NoError(t, err)
		assert.Equal(t, "OPAQUE:token-42", reply.Message.Body)
		assert.Empty(t, reply.Payload(), "non-envelope body decodes to an empty envelope")
	})

	t.Run("struct payloads are JSON encoded", func(t *testing.T) {
		publisher := &fakePublisher{}
		receiver := &fakeReceiver{}
		client := newTestClient(t, publisher, receiver)

		type job struct {
			Name string `json:"name"`
		}
		_, err := client.Request(context.Background(), "topic", job{Name: "resize"},
			WithRequestTimeout(50*time.Millisecond))

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		require.Len(t, publisher.published, 1)
		assert.JSONEq(t, `{"name":"resize"}`, publisher.published[0])
	})

	t.Run("nil payload is rejected", func(t *testing.T) {
		client := newTestClient(t, &fakePublisher{}, &fakeReceiver{})

		_, err := client.Request(context.Background(), "topic", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "payload cannot be nil")
	})
}

func TestPollCycle(t *testing.T) {
	t.Run("collapses to a no-op while the pulled pool is non-empty", func(t *testing.T) {
		receiver := &fakeReceiver{}
		client := newTestClient(t, &fakePublisher{}, receiver)
		client.pulled = append(client.pulled, replyMessage("waiting-id", "queued"))

		polled, err := client.poll(context.Background(), DefaultMatch)

		assert.NoError(t, err)
		assert.False(t, polled)
		assert.Equal(t, 0, receiver.pullCount())
	})

	t.Run("partitions a batch into pooled and released", func(t *testing.T) {
		wanted := replyMessage("id-a", "a")
		unwanted := replyMessage("nobody", "b")
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{wanted, unwanted}}}
		client := newTestClient(t, &fakePublisher{}, receiver)
		client.waiting["id-a"] = struct{}{}

		polled, err := client.poll(context.Background(), DefaultMatch)

		require.NoError(t, err)
		assert.True(t, polled)
		require.Len(t, client.pulled, 1)
		assert.Equal(t, wanted.ReceiptHandle, client.pulled[0].ReceiptHandle)
		require.Len(t, receiver.released, 1)
		assert.Equal(t, []string{unwanted.ReceiptHandle}, receiver.released[0].handles)
	})

	t.Run("flushes claimed messages in chunks of at most ten", func(t *testing.T) {
		receiver := &fakeReceiver{}
		client := newTestClient(t, &fakePublisher{}, receiver)
		for i := 0; i < 23; i++ {
			client.claimed = append(client.claimed, contracts.RawMessage{
				ReceiptHandle: fmt.Sprintf("h-%d", i),
			})
		}

		polled, err := client.poll(context.Background(), DefaultMatch)

		require.NoError(t, err)
		assert.True(t, polled)
		assert.Len(t, receiver.deletedHandles(), 23)
		assert.Equal(t, []int{10, 10, 3}, receiver.deleteSizes)
		assert.Empty(t, client.claimed)
	})
}

func TestClose(t *testing.T) {
	t.Run("flushes claimed messages at teardown", func(t *testing.T) {
		msg := replyMessage("abc123", "done")
		publisher := &fakePublisher{idByPayload: map[string]string{"ping": "abc123"}}
		receiver := &fakeReceiver{batches: [][]contracts.RawMessage{{msg}}}
		client := newTestClient(t, publisher, receiver)

		_, err := client.Request(context.Background(), "topic", "ping")
		require.NoError(t, err)
		require.Empty(t, receiver.deletedHandles())

		require.NoError(t, client.Close())

		assert.Equal(t, []string{msg.ReceiptHandle}, receiver.deletedHandles())
	})

	t.Run("is a no-op with nothing claimed", func(t *testing.T) {
		receiver := &fakeReceiver{}
		client := newTestClient(t, &fakePublisher{}, receiver)

		require.NoError(t, client.Close())

		assert.Empty(t, receiver.deletedHandles())
	})
}

func TestReply(t *testing.T) {
	t.Run("UnmarshalPayload decodes the envelope message", func(t *testing.T) {
		reply := &Reply{Envelope: contracts.Envelope{Message: `{"count":3}`}}

		var payload struct {
			Count int `json:"count"`
		}
		require.NoError(t, reply.UnmarshalPayload(&payload))
		assert.Equal(t, 3, payload.Count)
	})
}
