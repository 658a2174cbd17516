package contracts

// RawMessage is a message pulled from a reply queue. The body and receipt
// handle are opaque to the engine; only transport adapters interpret them.
type RawMessage struct {
	// MessageID is the transport-assigned identifier of the message.
	MessageID string

	// ReceiptHandle identifies this delivery for deletion and
	// visibility changes. It is scoped to the pull that produced it.
	ReceiptHandle string

	// Body is the raw message payload, normally a JSON envelope.
	Body string

	// Attributes carries transport-level message attributes.
	Attributes map[string]string
}

// BatchResultEntry records the failure of a single message in a batch call.
type BatchResultEntry struct {
	ReceiptHandle string
	Err           error
}

// BatchResult accumulates per-message outcomes across one or more chunked
// batch invocations.
type BatchResult struct {
	Successful []string
	Failed     []BatchResultEntry
}

// Merge appends the entries of other into r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Successful = append(r.Successful, other.Successful...)
	r.Failed = append(r.Failed, other.Failed...)
}
