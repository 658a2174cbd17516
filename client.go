// Copyright 2025 Snqueue Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snqueue/snqueue-go/messaging"
	amqpTransport "github.com/snqueue/snqueue-go/transports/amqp"
)

// Client is the main entry point for snqueue-go. It owns the transport, the
// engine registry and their teardown; engine state is never process-global.
type Client struct {
	transport messaging.Transport
	registry  *messaging.Registry
	logger    *slog.Logger

	pull           messaging.PullOptions
	defaultTimeout time.Duration
}

// clientConfig collects client options.
type clientConfig struct {
	logger         *slog.Logger
	transport      messaging.Transport
	pull           messaging.PullOptions
	defaultTimeout time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger used by the client and every component
// it constructs.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport replaces the default AMQP transport, e.g. for tests.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithClientPullOptions sets the poll settings passed to every engine the
// client constructs.
func WithClientPullOptions(pull messaging.PullOptions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pull = pull
	}
}

// WithClientDefaultTimeout sets the default request timeout for every
// engine the client constructs.
func WithClientDefaultTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultTimeout = timeout
	}
}

// NewClient creates a client connected to the broker at connectionString.
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
		pull: messaging.PullOptions{
			MaxMessages:       10,
			VisibilityTimeout: 30 * time.Second,
			WaitTime:          5 * time.Second,
		},
		defaultTimeout: 10 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}

	transport := cfg.transport
	if transport == nil {
		var err error
		transport, err = amqpTransport.NewTransport(connectionString,
			amqpTransport.WithTransportLogger(cfg.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	if err := transport.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{
		transport:      transport,
		registry:       messaging.NewRegistry(),
		logger:         cfg.logger,
		pull:           cfg.pull,
		defaultTimeout: cfg.defaultTimeout,
	}, nil
}

// VirtualQueue returns the shared correlation engine for queueURL,
// constructing it on first use. Every caller against the same queue gets
// the same instance, so concurrent requests share poll state.
func (c *Client) VirtualQueue(queueURL string, opts ...messaging.VirtualQueueOption) (*messaging.VirtualQueueClient, error) {
	defaults := []messaging.VirtualQueueOption{
		messaging.WithLogger(c.logger),
		messaging.WithPullOptions(c.pull),
		messaging.WithDefaultTimeout(c.defaultTimeout),
	}
	all := append(defaults, opts...)

	return c.registry.Get(queueURL, func() (*messaging.VirtualQueueClient, error) {
		return messaging.NewVirtualQueueClient(queueURL, c.transport.Publisher(), c.transport.Receiver(), all...)
	})
}

// Consumer returns a one-shot queue consumer over the client's transport.
func (c *Client) Consumer(opts ...messaging.ConsumerOption) (*messaging.QueueConsumer, error) {
	defaults := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
	}
	return messaging.NewQueueConsumer(c.transport.Receiver(), append(defaults, opts...)...)
}

// Transport returns the underlying transport.
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close flushes every engine's claimed messages and closes the transport.
func (c *Client) Close() error {
	regErr := c.registry.Close()
	transportErr := c.transport.Close()
	return errors.Join(regErr, transportErr)
}
