package protocol

import "encoding/json"

// Event names published by the client on the event topic.
const (
	EventSpeakerOpened            = "SpeakerOpened"
	EventSpeakerClosed            = "SpeakerClosed"
	EventSpeakerMarkerEncountered = "SpeakerMarkerEncountered"
	EventBufferStateChanged       = "BufferStateChanged"
	EventVolumeChanged            = "VolumeChanged"
	EventExceptionEncountered     = "ExceptionEncountered"
	EventMicrophoneOpened         = "MicrophoneOpened"
	EventMicrophoneClosed         = "MicrophoneClosed"
	EventRedeliveryRequest        = "RedeliveryRequest"
)

// Event is the JSON envelope wrapping every event payload.
type Event struct {
	Header  MessageHeader `json:"header"`
	Payload interface{}   `json:"payload,omitempty"`
}

// NewEvent wraps a payload in an envelope with a fresh message id.
func NewEvent(name string, payload interface{}) Event {
	return Event{Header: NewMessageHeader(name), Payload: payload}
}

// Marshal encodes the event envelope as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// SpeakerOpenedPayload reports playback starting at a byte offset.
type SpeakerOpenedPayload struct {
	Offset uint64 `json:"offset"`
}

// SpeakerClosedPayload reports playback stopping at a byte offset.
type SpeakerClosedPayload struct {
	Offset uint64 `json:"offset"`
}

// SpeakerMarkerEncounteredPayload echoes a marker the playback position
// just passed.
type SpeakerMarkerEncounteredPayload struct {
	Marker uint32 `json:"marker"`
}

// BufferStateChangedPayload reports a speaker buffer fill transition. For
// Overrun, SequenceNumber is the audio message whose redelivery the client
// is waiting for.
type BufferStateChangedPayload struct {
	Topic          Topic       `json:"topic"`
	SequenceNumber uint32      `json:"sequenceNumber"`
	State          BufferState `json:"state"`
}

// VolumeChangedPayload reports a local or directive-driven volume change.
// Offset is present only while the speaker is open.
type VolumeChangedPayload struct {
	Volume uint8   `json:"volume"`
	Offset *uint64 `json:"offset,omitempty"`
}

// ExceptionEncounteredPayload reports a malformed message or an internal
// error to the service.
type ExceptionEncounteredPayload struct {
	Code        ExceptionCode `json:"code"`
	Description string        `json:"description"`
}

// MicrophoneOpenedPayload reports microphone streaming starting at a byte
// offset of the microphone stream.
type MicrophoneOpenedPayload struct {
	Offset uint64 `json:"offset"`
}

// MicrophoneClosedPayload reports microphone streaming stopping.
type MicrophoneClosedPayload struct {
	Offset uint64 `json:"offset"`
}

// RedeliveryRequestPayload asks the service to resend one sequence number
// on a topic.
type RedeliveryRequestPayload struct {
	Topic          Topic  `json:"topic"`
	SequenceNumber uint32 `json:"sequenceNumber"`
}
