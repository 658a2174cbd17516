// Package messaging implements the virtual-queue correlation engine and its
// transport port contracts.
//
// The central type is VirtualQueueClient: it publishes a request to a topic,
// registers the returned message id as an outstanding wait, then polls a
// shared reply queue until a message matching that id arrives. Messages that
// belong to no current waiter are released back to the queue by zeroing
// their visibility timeout, so other consumers (or a later poll from the
// same client) can retrieve them.
//
// Key guarantees:
//   - each reply is handed to exactly one waiter
//   - a claimed message is deleted at most once
//   - unmatched messages are never consumed, only released
//
// Because several Request calls share one client, a single client instance
// must exist per reply queue within a process. Registry enforces that; the
// root snqueue.Client owns a Registry and hands out shared instances.
//
// Basic usage:
//
//	vq, _ := messaging.NewVirtualQueueClient(queueURL, publisher, receiver)
//	reply, err := vq.Request(ctx, topicARN, payload,
//	    messaging.WithRequestTimeout(30*time.Second))
package messaging
