package contracts

import (
	"encoding/json"
	"fmt"
)

// ResponseMetadataAttribute is the message attribute under which responding
// workers place their serialized ResponseMetadata.
const ResponseMetadataAttribute = "SnQueueResponseMetadata"

// MessageAttributeValue is a single typed attribute inside an Envelope.
type MessageAttributeValue struct {
	Type  string `json:"Type,omitempty"`
	Value string `json:"Value"`
}

// Envelope is the notification envelope wrapping messages delivered to a
// reply queue. The payload itself travels in Message as text.
type Envelope struct {
	Type              string                           `json:"Type,omitempty"`
	MessageID         string                           `json:"MessageId,omitempty"`
	TopicARN          string                           `json:"TopicArn,omitempty"`
	Subject           string                           `json:"Subject,omitempty"`
	Message           string                           `json:"Message"`
	Timestamp         string                           `json:"Timestamp,omitempty"`
	MessageAttributes map[string]MessageAttributeValue `json:"MessageAttributes,omitempty"`
}

// ResponseMetadata is attached by a responding worker to tie its reply back
// to the request that triggered it. RequestID equals the message identifier
// returned when the request was published.
type ResponseMetadata struct {
	RequestID string `json:"RequestId"`
}

// ParseEnvelope decodes a raw message body into an Envelope.
func ParseEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return env, nil
}

// ResponseMetadata extracts and decodes the response metadata attribute.
// It returns false when the attribute is absent or unparsable.
func (e Envelope) ResponseMetadata() (ResponseMetadata, bool) {
	attr, ok := e.MessageAttributes[ResponseMetadataAttribute]
	if !ok || attr.Value == "" {
		return ResponseMetadata{}, false
	}
	var meta ResponseMetadata
	if err := json.Unmarshal([]byte(attr.Value), &meta); err != nil {
		return ResponseMetadata{}, false
	}
	if meta.RequestID == "" {
		return ResponseMetadata{}, false
	}
	return meta, true
}
