package speaker

import "github.com/voicelink-ai/voicelink/pkg/protocol"

// Collaborator contracts consumed by the controller. Every method is
// invoked with the controller lock held and must not call back into the
// controller's public surface.

// Sink consumes playable frames. PushFrame reports whether the frame was
// accepted; after a rejection the controller buffers the frame and pushes
// nothing further until SinkReady is called on the controller.
type Sink interface {
	PushFrame(frame []byte) bool
}

// VolumeSink applies volume changes to the local output device.
type VolumeSink interface {
	SetVolume(volume uint8)
}

// StateObserver is notified of every buffer fill state transition.
type StateObserver interface {
	OnBufferStateChanged(state protocol.BufferState)
}

// EventPublisher sends protocol events to the service, fire-and-forget.
type EventPublisher interface {
	PublishEvent(event protocol.Event) error
}

// Redeliverer asks the external reordering component to redeliver a
// specific sequence number on the speaker topic.
type Redeliverer interface {
	RequestRedelivery(sequenceNumber uint32)
}
