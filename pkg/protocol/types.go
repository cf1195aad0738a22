// Package protocol defines the message types for the voice-assistant
// service protocol: topics, JSON directive and event payloads, and the
// binary audio-topic framing.
package protocol

import "github.com/google/uuid"

// Topic identifies a publish/subscribe channel between client and service.
type Topic string

const (
	TopicDirective    Topic = "directive"
	TopicSpeaker      Topic = "speaker"
	TopicMicrophone   Topic = "microphone"
	TopicEvent        Topic = "event"
	TopicCapabilities Topic = "capabilities"
)

// BufferState represents the speaker buffer fill state reported to the
// service.
type BufferState string

const (
	BufferStateNone            BufferState = "None"
	BufferStateUnderrunWarning BufferState = "UnderrunWarning"
	BufferStateUnderrun        BufferState = "Underrun"
	BufferStateOverrunWarning  BufferState = "OverrunWarning"
	BufferStateOverrun         BufferState = "Overrun"
)

// ExceptionCode classifies an ExceptionEncountered event.
type ExceptionCode string

const (
	ExceptionMalformedMessage ExceptionCode = "MALFORMED_MESSAGE"
	ExceptionInternalError    ExceptionCode = "INTERNAL_ERROR"
)

// MessageHeader is the common header of every JSON directive and event.
type MessageHeader struct {
	Name      string `json:"name"`
	MessageID string `json:"messageId"`
}

// NewMessageHeader returns a header with a fresh message id.
func NewMessageHeader(name string) MessageHeader {
	return MessageHeader{Name: name, MessageID: uuid.NewString()}
}
