package client

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink-ai/voicelink/pkg/protocol"
	"github.com/voicelink-ai/voicelink/pkg/securechannel"
	"github.com/voicelink-ai/voicelink/pkg/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	subs      map[string][]transport.MessageHandler
	published map[string][][]byte
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:      make(map[string][]transport.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (f *fakeConn) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.published[topic] = append(f.published[topic], append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Subscribe(topic string, h transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], h)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handlers := append([]transport.MessageHandler(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (f *fakeConn) messages(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[topic]...)
}

type fakeSink struct{ frames [][]byte }

func (s *fakeSink) PushFrame(frame []byte) bool {
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return true
}

type fakeVolumeSink struct{ values []uint8 }

func (s *fakeVolumeSink) SetVolume(volume uint8) {
	s.values = append(s.values, volume)
}

type eventWire struct {
	Header  protocol.MessageHeader `json:"header"`
	Payload json.RawMessage        `json:"payload"`
}

type harness struct {
	t    *testing.T
	conn *fakeConn
	svc  *securechannel.Channel
	c    *Client
	sink *fakeSink
	vol  *fakeVolumeSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	clientCh, err := securechannel.NewClient(key, 0)
	require.NoError(t, err)
	svcCh, err := securechannel.NewService(key, 0)
	require.NoError(t, err)

	conn := newFakeConn()
	sink := &fakeSink{}
	vol := &fakeVolumeSink{}
	c, err := New(conn, clientCh, DefaultOptions(), sink, vol, nil)
	require.NoError(t, err)
	return &harness{t: t, conn: conn, svc: svcCh, c: c, sink: sink, vol: vol}
}

func (h *harness) sealDirective(name string, payload interface{}) []byte {
	h.t.Helper()
	d := protocol.Directive{Header: protocol.NewMessageHeader(name)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(h.t, err)
		d.Payload = raw
	}
	data, err := json.Marshal(d)
	require.NoError(h.t, err)
	wire, _ := h.svc.Seal(string(protocol.TopicDirective), data)
	return wire
}

func (h *harness) sendDirective(name string, payload interface{}) {
	h.conn.deliver(string(protocol.TopicDirective), h.sealDirective(name, payload))
}

func (h *harness) sendAudio(payload []byte) uint32 {
	wire, seq := h.svc.Seal(string(protocol.TopicSpeaker), payload)
	h.conn.deliver(string(protocol.TopicSpeaker), wire)
	return seq
}

// events decrypts everything the client published on the event topic and
// returns the payloads of events with the given name, in publish order.
func (h *harness) events(name string) []json.RawMessage {
	h.t.Helper()
	var out []json.RawMessage
	for _, wire := range h.conn.messages(string(protocol.TopicEvent)) {
		data, _, err := h.svc.Open(string(protocol.TopicEvent), wire)
		require.NoError(h.t, err)
		var e eventWire
		require.NoError(h.t, json.Unmarshal(data, &e))
		if e.Header.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}

func contentPayload(t *testing.T, offset uint64, frameSize int, frames []byte) []byte {
	t.Helper()
	p, err := protocol.AppendContentEntry(nil, offset, frameSize, frames)
	require.NoError(t, err)
	return p
}

func TestOpenSpeakerPlaysAndReportsOpen(t *testing.T) {
	h := newHarness(t)

	h.sendDirective(protocol.DirectiveOpenSpeaker, protocol.OpenSpeakerPayload{Offset: 0})
	h.sendAudio(contentPayload(t, 0, 4, []byte("abcdefgh")))

	h.c.Speaker().Tick()
	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, []byte("abcd"), h.sink.frames[0])

	opened := h.events(protocol.EventSpeakerOpened)
	require.Len(t, opened, 1)
	var p protocol.SpeakerOpenedPayload
	require.NoError(t, json.Unmarshal(opened[0], &p))
	assert.Equal(t, uint64(0), p.Offset)

	h.c.Speaker().Tick()
	require.Len(t, h.sink.frames, 2)
	assert.Equal(t, []byte("efgh"), h.sink.frames[1])
}

func TestCloseSpeakerWithoutPayloadClosesNow(t *testing.T) {
	h := newHarness(t)

	h.sendDirective(protocol.DirectiveOpenSpeaker, protocol.OpenSpeakerPayload{Offset: 0})
	h.sendAudio(contentPayload(t, 0, 4, []byte("abcdefgh")))
	h.c.Speaker().Tick()
	h.c.Speaker().Tick()
	require.Len(t, h.sink.frames, 2)

	h.sendDirective(protocol.DirectiveCloseSpeaker, nil)
	h.c.Speaker().Tick()

	closed := h.events(protocol.EventSpeakerClosed)
	require.Len(t, closed, 1)
	var p protocol.SpeakerClosedPayload
	require.NoError(t, json.Unmarshal(closed[0], &p))
	assert.Equal(t, uint64(8), p.Offset)

	h.c.Speaker().Tick()
	assert.Len(t, h.sink.frames, 2)
}

func TestDirectivesDeliveredInSequenceOrder(t *testing.T) {
	h := newHarness(t)

	first := h.sealDirective(protocol.DirectiveSetVolume, protocol.SetVolumePayload{Volume: 70})
	second := h.sealDirective(protocol.DirectiveSetVolume, protocol.SetVolumePayload{Volume: 30})

	// Arrivals swapped on the wire; dispatch must follow sequence order.
	h.conn.deliver(string(protocol.TopicDirective), second)
	h.conn.deliver(string(protocol.TopicDirective), first)

	h.c.Speaker().Tick()
	assert.Equal(t, []uint8{50, 70, 30}, h.vol.values)

	changed := h.events(protocol.EventVolumeChanged)
	require.Len(t, changed, 2)
	var p protocol.VolumeChangedPayload
	require.NoError(t, json.Unmarshal(changed[1], &p))
	assert.Equal(t, uint8(30), p.Volume)
	assert.Nil(t, p.Offset)
}

func TestMalformedDirectivesEmitExceptions(t *testing.T) {
	h := newHarness(t)

	garbage, _ := h.svc.Seal(string(protocol.TopicDirective), []byte("not json"))
	h.conn.deliver(string(protocol.TopicDirective), garbage)
	h.sendDirective("Reboot", nil)
	h.sendDirective(protocol.DirectiveSetVolume, nil)

	exceptions := h.events(protocol.EventExceptionEncountered)
	require.Len(t, exceptions, 3)
	for _, raw := range exceptions {
		var p protocol.ExceptionEncounteredPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		assert.Equal(t, protocol.ExceptionMalformedMessage, p.Code)
	}

	h.c.Speaker().Tick()
	assert.Empty(t, h.sink.frames)
}

func TestUndecryptableMessageEmitsException(t *testing.T) {
	h := newHarness(t)

	h.conn.deliver(string(protocol.TopicDirective), []byte("0123456789abcdef0123456789abcdef01234567"))
	require.Len(t, h.events(protocol.EventExceptionEncountered), 1)

	// The channel is stateless on receive; a valid directive still works.
	h.sendDirective(protocol.DirectiveSetVolume, protocol.SetVolumePayload{Volume: 80})
	h.c.Speaker().Tick()
	assert.Equal(t, []uint8{50, 80}, h.vol.values)
}

func TestGapRequestsRedelivery(t *testing.T) {
	h := newHarness(t)

	volumes := []uint8{10, 20, 30, 40, 60}
	wires := make([][]byte, len(volumes))
	for i, v := range volumes {
		wires[i] = h.sealDirective(protocol.DirectiveSetVolume, protocol.SetVolumePayload{Volume: v})
	}

	h.conn.deliver(string(protocol.TopicDirective), wires[0])
	// Sequence 1 goes missing; three later arrivals trigger a resend
	// request for it.
	h.conn.deliver(string(protocol.TopicDirective), wires[2])
	h.conn.deliver(string(protocol.TopicDirective), wires[3])
	h.conn.deliver(string(protocol.TopicDirective), wires[4])

	requests := h.events(protocol.EventRedeliveryRequest)
	require.Len(t, requests, 1)
	var p protocol.RedeliveryRequestPayload
	require.NoError(t, json.Unmarshal(requests[0], &p))
	assert.Equal(t, protocol.TopicDirective, p.Topic)
	assert.Equal(t, uint32(1), p.SequenceNumber)

	// The resent message flushes the buffered tail in order.
	h.conn.deliver(string(protocol.TopicDirective), wires[1])
	h.c.Speaker().Tick()
	assert.Equal(t, []uint8{50, 10, 20, 30, 40, 60}, h.vol.values)
}

func TestRequestRedeliveryBypassesOrdering(t *testing.T) {
	h := newHarness(t)

	h.c.RequestRedelivery(7)

	requests := h.events(protocol.EventRedeliveryRequest)
	require.Len(t, requests, 1)
	var p protocol.RedeliveryRequestPayload
	require.NoError(t, json.Unmarshal(requests[0], &p))
	assert.Equal(t, protocol.TopicSpeaker, p.Topic)
	assert.Equal(t, uint32(7), p.SequenceNumber)

	// Seal up to sequence 7 and deliver only that one; the expectation
	// lets it through even though sequences 0..6 never arrived.
	var wire []byte
	payload := contentPayload(t, 0, 4, []byte("abcd"))
	for i := 0; i < 8; i++ {
		wire, _ = h.svc.Seal(string(protocol.TopicSpeaker), payload)
	}
	h.conn.deliver(string(protocol.TopicSpeaker), wire)

	h.sendDirective(protocol.DirectiveOpenSpeaker, protocol.OpenSpeakerPayload{Offset: 0})
	h.c.Speaker().Tick()
	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, []byte("abcd"), h.sink.frames[0])
}

func TestMicrophoneStream(t *testing.T) {
	h := newHarness(t)

	mic, err := h.c.Microphone(4)
	require.NoError(t, err)
	_, err = h.c.Microphone(0)
	assert.Error(t, err)

	require.Error(t, mic.WriteFrames([]byte("abcd")))

	require.NoError(t, mic.Open())
	require.NoError(t, mic.Open())
	opened := h.events(protocol.EventMicrophoneOpened)
	require.Len(t, opened, 1)
	var op protocol.MicrophoneOpenedPayload
	require.NoError(t, json.Unmarshal(opened[0], &op))
	assert.Equal(t, uint64(0), op.Offset)

	require.Error(t, mic.WriteFrames([]byte("abcde")))
	require.NoError(t, mic.WriteFrames([]byte("abcdefgh")))
	require.NoError(t, mic.WriteFrames([]byte("ijkl")))

	wires := h.conn.messages(string(protocol.TopicMicrophone))
	require.Len(t, wires, 2)
	data, seq, err := h.svc.Open(string(protocol.TopicMicrophone), wires[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
	entries, err := protocol.ParseAudioPayload(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0), entries[0].Content.Offset)
	assert.Equal(t, 2, entries[0].Content.FrameCount())

	data, _, err = h.svc.Open(string(protocol.TopicMicrophone), wires[1])
	require.NoError(t, err)
	entries, err = protocol.ParseAudioPayload(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), entries[0].Content.Offset)

	require.NoError(t, mic.Close())
	require.NoError(t, mic.Close())
	closed := h.events(protocol.EventMicrophoneClosed)
	require.Len(t, closed, 1)
	var cp protocol.MicrophoneClosedPayload
	require.NoError(t, json.Unmarshal(closed[0], &cp))
	assert.Equal(t, uint64(12), cp.Offset)
	assert.Equal(t, uint64(12), mic.Offset())

	// Reopening continues the stream offset.
	require.NoError(t, mic.Open())
	opened = h.events(protocol.EventMicrophoneOpened)
	require.Len(t, opened, 2)
	require.NoError(t, json.Unmarshal(opened[1], &op))
	assert.Equal(t, uint64(12), op.Offset)
}

func TestPublishAfterCloseReportsError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Close())
	err := h.c.PublishEvent(protocol.NewEvent(protocol.EventVolumeChanged, protocol.VolumeChangedPayload{Volume: 10}))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
