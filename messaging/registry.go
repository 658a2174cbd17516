package messaging

import (
	"errors"
	"reflect"
	"sync"
)

// Registry hands out one VirtualQueueClient per resource key within a
// process. Two independent clients polling the same queue would each see
// only part of the traffic and race on deletes, so callers must obtain
// shared instances here instead of constructing their own.
//
// The registry is an explicit object with explicit teardown; its lifetime
// belongs to whoever composes the engine, typically the root snqueue.Client.
type Registry struct {
	mu      sync.Mutex
	clients map[any]*VirtualQueueClient
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[any]*VirtualQueueClient),
	}
}

// Get returns the client registered under key, constructing it with
// construct on first access. Keys must be comparable; a key whose dynamic
// type does not support equality yields an *InvalidKeyError.
func (r *Registry) Get(key any, construct func() (*VirtualQueueClient, error)) (*VirtualQueueClient, error) {
	if key == nil || !reflect.TypeOf(key).Comparable() {
		return nil, &InvalidKeyError{Key: key}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	client, err := construct()
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close tears down every registered client, flushing their claimed
// messages, and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := make([]*VirtualQueueClient, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.clients = make(map[any]*VirtualQueueClient)
	r.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
