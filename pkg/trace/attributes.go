package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the client
const (
	// Messaging attributes
	AttrTopic          = "message.topic"
	AttrSequenceNumber = "message.sequence_number"
	AttrMessageID      = "message.id"
	AttrPayloadSize    = "message.payload_size"

	// Directive/event attributes
	AttrDirectiveName = "directive.name"
	AttrEventName     = "event.name"

	// Speaker attributes
	AttrStreamOffset = "speaker.stream_offset"
	AttrBufferState  = "speaker.buffer_state"
	AttrFrameSize    = "speaker.frame_size"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// MessageAttrs creates attributes for one topic message
func MessageAttrs(topic string, sequenceNumber uint32, payloadSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTopic, topic),
		attribute.Int64(AttrSequenceNumber, int64(sequenceNumber)),
		attribute.Int(AttrPayloadSize, payloadSize),
	}
}

// DirectiveAttrs creates attributes for directive dispatch
func DirectiveAttrs(name, messageID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDirectiveName, name),
		attribute.String(AttrMessageID, messageID),
	}
}

// EventAttrs creates attributes for event publication
func EventAttrs(name, messageID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrEventName, name),
		attribute.String(AttrMessageID, messageID),
	}
}

// SpeakerAttrs creates attributes for speaker stream positions
func SpeakerAttrs(offset uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrStreamOffset, int64(offset)),
	}
}
