package messaging

import (
	"time"
)

// PublishOptions configures a single publish.
type PublishOptions struct {
	Subject    string
	Attributes map[string]string
	GroupID    string
}

// PublishOption configures publish behavior.
type PublishOption func(*PublishOptions)

// WithSubject sets the notification subject.
func WithSubject(subject string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Subject = subject
	}
}

// WithAttribute sets a single message attribute.
func WithAttribute(key, value string) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Attributes == nil {
			opts.Attributes = make(map[string]string)
		}
		opts.Attributes[key] = value
	}
}

// WithAttributes merges custom message attributes.
func WithAttributes(attrs map[string]string) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Attributes == nil {
			opts.Attributes = make(map[string]string)
		}
		for k, v := range attrs {
			opts.Attributes[k] = v
		}
	}
}

// WithGroupID sets the message group id for FIFO topics.
func WithGroupID(groupID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.GroupID = groupID
	}
}

// requestOptions holds per-call settings of Request.
type requestOptions struct {
	timeout     time.Duration
	match       MatchFunc
	publishOpts []PublishOption
}

// RequestOption configures a single Request call.
type RequestOption func(*requestOptions)

// WithRequestTimeout sets the maximum time to wait for the reply.
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(opts *requestOptions) {
		opts.timeout = timeout
	}
}

// WithMatcher replaces the default correlation matcher for this request.
func WithMatcher(match MatchFunc) RequestOption {
	return func(opts *requestOptions) {
		opts.match = match
	}
}

// WithPublishOptions passes publish options through to the transport.
func WithPublishOptions(publishOpts ...PublishOption) RequestOption {
	return func(opts *requestOptions) {
		opts.publishOpts = append(opts.publishOpts, publishOpts...)
	}
}
