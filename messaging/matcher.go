package messaging

import (
	"github.com/snqueue/snqueue-go/contracts"
)

// MatchFunc decides whether a raw message answers the request identified by
// correlationID. Implementations must be pure and must return false for
// malformed messages instead of failing the poll cycle.
type MatchFunc func(correlationID string, msg contracts.RawMessage) bool

// DefaultMatch parses the message body as a notification envelope, extracts
// the response metadata attribute and compares its RequestId against
// correlationID. Any parse failure yields false.
func DefaultMatch(correlationID string, msg contracts.RawMessage) bool {
	env, err := contracts.ParseEnvelope(msg.Body)
	if err != nil {
		return false
	}
	meta, ok := env.ResponseMetadata()
	if !ok {
		return false
	}
	return meta.RequestID == correlationID
}
