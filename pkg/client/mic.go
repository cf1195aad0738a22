package client

import (
	"fmt"
	"sync"

	"github.com/voicelink-ai/voicelink/pkg/protocol"
)

// Microphone streams capture frames to the service on the microphone
// topic. Frames are packed into binary content entries at a monotonically
// increasing byte offset; the offset survives close/reopen so the service
// sees one continuous stream per session.
//
// Microphone is safe for concurrent use, but a single capture goroutine
// calling WriteFrames is the expected shape.
type Microphone struct {
	c         *Client
	frameSize int

	mu     sync.Mutex
	open   bool
	offset uint64
}

// Microphone returns the upstream audio source for this client. frameSize
// is the fixed encoded frame size the capture path produces.
func (c *Client) Microphone(frameSize int) (*Microphone, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("client: microphone frame size must be positive, got %d", frameSize)
	}
	return &Microphone{c: c, frameSize: frameSize}, nil
}

// Open starts a capture segment and reports it to the service. Opening an
// already-open microphone is a no-op.
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	m.open = true
	return m.c.PublishEvent(protocol.NewEvent(protocol.EventMicrophoneOpened,
		protocol.MicrophoneOpenedPayload{Offset: m.offset}))
}

// WriteFrames publishes one or more capture frames. len(frames) must be a
// positive multiple of the frame size.
func (m *Microphone) WriteFrames(frames []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("client: microphone is not open")
	}
	if len(frames) == 0 || len(frames)%m.frameSize != 0 {
		return fmt.Errorf("client: %d bytes is not a multiple of frame size %d", len(frames), m.frameSize)
	}

	// An entry holds at most MaxFramesPerEntry frames; split larger
	// writes across entries in one payload.
	maxChunk := protocol.MaxFramesPerEntry * m.frameSize
	var payload []byte
	for start := 0; start < len(frames); start += maxChunk {
		end := start + maxChunk
		if end > len(frames) {
			end = len(frames)
		}
		var err error
		payload, err = protocol.AppendContentEntry(payload, m.offset, m.frameSize, frames[start:end])
		if err != nil {
			return fmt.Errorf("client: pack microphone frames: %w", err)
		}
		m.offset += uint64(end - start)
	}
	return m.c.publish(protocol.TopicMicrophone, payload)
}

// Close ends the capture segment and reports the final offset. Closing a
// closed microphone is a no-op.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.open = false
	return m.c.PublishEvent(protocol.NewEvent(protocol.EventMicrophoneClosed,
		protocol.MicrophoneClosedPayload{Offset: m.offset}))
}

// Offset returns the next byte offset WriteFrames will assign.
func (m *Microphone) Offset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}
