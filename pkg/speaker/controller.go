// Package speaker implements the speaker audio pipeline: a playback
// controller that turns byte-offset-addressed service directives and
// sequence-numbered binary audio messages into correctly ordered local
// actions, while reporting buffer health back to the service.
//
// The controller owns one multi-reader stream buffer (it uses a single
// writer and a single reader of it) and an offset-scheduled action queue.
// Message and directive entry points only mutate buffer and queue state; a
// periodic worker tick performs every externally observable side effect
// (sink pushes, event emission).
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voicelink-ai/voicelink/pkg/audio"
	"github.com/voicelink-ai/voicelink/pkg/protocol"
)

// Config configures a Controller.
type Config struct {
	// BufferBytes is the speaker stream buffer capacity.
	BufferBytes uint64
	// OverrunWarnBytes: fill at or above this level reports OverrunWarning.
	OverrunWarnBytes uint64
	// UnderrunWarnBytes: fill at or below this level reports UnderrunWarning.
	UnderrunWarnBytes uint64
	// TickInterval is the worker cadence used by Run.
	TickInterval time.Duration
	// InitialVolume is the persisted volume applied at stream offset 0
	// without emitting a VolumeChanged event.
	InitialVolume uint8
}

// DefaultConfig returns a playback configuration suitable for 20ms opus
// frames.
func DefaultConfig() Config {
	return Config{
		BufferBytes:       64 * 1024,
		OverrunWarnBytes:  48 * 1024,
		UnderrunWarnBytes: 4 * 1024,
		TickInterval:      10 * time.Millisecond,
		InitialVolume:     50,
	}
}

// ErrFatal wraps unrecoverable controller conditions.
var ErrFatal = errors.New("speaker: fatal")

// Controller is the speaker playback controller. All entry points and the
// worker tick are serialized by one mutex; collaborator callbacks run with
// that mutex held.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	buf    *audio.StreamBuffer
	writer *audio.Writer
	reader *audio.Reader

	sink        Sink
	volumeSink  VolumeSink
	observer    StateObserver
	publisher   EventPublisher
	redeliverer Redeliverer

	open          bool
	pendingOpen   bool
	openAt        uint64
	awaitingPush  bool // seeked for open, SpeakerOpened not yet emitted
	guarded       bool // writer switched to all-or-nothing for playback
	frameSize     int  // learned from the first content entry, 0 until then
	retryFrame    []byte
	sinkBlocked   bool
	volume        uint8
	volumeApplied bool // false until the persisted volume is synchronized

	state   protocol.BufferState
	gateSeq uint32 // non-zero while waiting for a redelivery
	lastSeq uint32

	actions actionQueue
	markers markerQueue

	fatal error
}

// NewController creates the controller, allocates the stream buffer,
// attaches its writer (nonblockable) and reader, and schedules the initial
// volume synchronization at stream offset 0.
func NewController(cfg Config, sink Sink, volumeSink VolumeSink, publisher EventPublisher, redeliverer Redeliverer, observer StateObserver) (*Controller, error) {
	if sink == nil || volumeSink == nil || publisher == nil || redeliverer == nil {
		return nil, fmt.Errorf("speaker: missing required collaborator")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	buf, err := audio.NewStreamBuffer(cfg.BufferBytes, 1, 2)
	if err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	w, err := buf.AttachWriter(audio.WriterNonblockable, false)
	if err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	r, err := buf.AttachReader(true)
	if err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}

	c := &Controller{
		cfg:         cfg,
		buf:         buf,
		writer:      w,
		reader:      r,
		sink:        sink,
		volumeSink:  volumeSink,
		observer:    observer,
		publisher:   publisher,
		redeliverer: redeliverer,
		volume:      cfg.InitialVolume,
		state:       protocol.BufferStateNone,
	}
	c.actions.schedule(0, func(offset uint64, canceled bool) {
		if !canceled {
			c.applyVolumeLocked(c.volume)
		}
	})
	return c, nil
}

// Err returns the sticky fatal error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// BufferState returns the current fill state.
func (c *Controller) BufferState() protocol.BufferState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the worker at the configured cadence until ctx is done or a
// fatal condition is hit.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick()
			if err := c.Err(); err != nil {
				return err
			}
		}
	}
}

// Close tears the controller down, invalidating every outstanding offset
// action before releasing it.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions.drain() {
		a.fn(a.offset, true)
	}
	c.markers.clear()
	c.retryFrame = nil
}

// OnAudioMessage consumes one decrypted, sequence-validated speaker-topic
// payload. Malformed payloads are reported and dropped whole; payloads that
// do not fit while playback is active are left unconsumed and redelivery of
// their sequence number is requested.
func (c *Controller) OnAudioMessage(payload []byte, sequenceNumber uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	if c.gateSeq != 0 {
		if sequenceNumber != c.gateSeq {
			log.Printf("speaker: dropping seq %d while waiting for redelivery of %d", sequenceNumber, c.gateSeq)
			return
		}
		c.gateSeq = 0
	}
	c.lastSeq = sequenceNumber

	entries, err := protocol.ParseAudioPayload(payload)
	if err != nil {
		c.rejectMalformedLocked(err)
		return
	}

	// First pass: validate content offsets and frame size without
	// mutating anything, and total the audio length.
	expect := c.writer.Tell()
	frameSize := c.frameSize
	total := uint64(0)
	for _, e := range entries {
		if e.Type != protocol.EntryTypeContent {
			continue
		}
		ct := e.Content
		if ct.Offset != expect {
			c.rejectMalformedLocked(fmt.Errorf("content offset %d, writer at %d", ct.Offset, expect))
			return
		}
		if frameSize == 0 {
			frameSize = ct.FrameSize
		} else if ct.FrameSize != frameSize {
			c.rejectMalformedLocked(fmt.Errorf("frame size %d, stream uses %d", ct.FrameSize, frameSize))
			return
		}
		expect += uint64(len(ct.Frames))
		total += uint64(len(ct.Frames))
	}

	// While playback protects the read window, a message that does not
	// fit in the unconsumed space is not written; the service must
	// redeliver it once the reader has drained room.
	if c.guarded && total > 0 {
		unread, _ := c.reader.Tell(audio.SeekBeforeWriter)
		if total > c.buf.Capacity()-unread {
			if c.state != protocol.BufferStateOverrun {
				c.setStateLocked(protocol.BufferStateOverrun)
			}
			c.redeliverer.RequestRedelivery(sequenceNumber)
			c.gateSeq = sequenceNumber
			return
		}
	}

	c.frameSize = frameSize
	for _, e := range entries {
		switch e.Type {
		case protocol.EntryTypeContent:
			if _, err := c.writer.Write(e.Content.Frames); err != nil {
				log.Printf("speaker: buffer write failed after fit check: %v", err)
			}
		case protocol.EntryTypeMarker:
			for _, id := range e.Markers {
				c.markers.push(c.writer.Tell(), id)
			}
		}
	}
}

// OnOpenDirective requests playback starting at an absolute byte offset.
// The buffer is not touched until the next worker tick.
func (c *Controller) OnOpenDirective(targetOffset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	c.pendingOpen = true
	c.openAt = targetOffset
}

// OnCloseDirective schedules playback to stop at the given byte offset, or
// at the current playback position when targetOffset is nil.
func (c *Controller) OnCloseDirective(targetOffset *uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	target := c.readerPosLocked()
	if targetOffset != nil {
		target = *targetOffset
	}
	c.actions.schedule(target, func(offset uint64, canceled bool) {
		if !canceled {
			c.closeLocked(offset)
		}
	})
}

// OnSetVolumeDirective schedules a volume change at the given byte offset,
// or at the current playback position when targetOffset is nil.
func (c *Controller) OnSetVolumeDirective(volume uint8, targetOffset *uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	if volume > protocol.MaxVolume {
		c.rejectMalformedLocked(fmt.Errorf("volume %d out of range", volume))
		return
	}
	target := c.readerPosLocked()
	if targetOffset != nil {
		target = *targetOffset
	}
	c.actions.schedule(target, func(offset uint64, canceled bool) {
		if !canceled {
			c.applyVolumeLocked(volume)
		}
	})
}

// StopPlayback stops playback locally (barge-in): every outstanding offset
// action is invalidated, then the speaker closes at the current position.
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions.drain() {
		a.fn(a.offset, true)
	}
	c.gateSeq = 0
	c.closeLocked(c.readerPosLocked())
}

// ChangeVolume applies a local absolute volume change immediately.
func (c *Controller) ChangeVolume(volume uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if volume > protocol.MaxVolume {
		volume = protocol.MaxVolume
	}
	c.applyVolumeLocked(volume)
}

// AdjustVolume applies a local relative volume change immediately.
func (c *Controller) AdjustVolume(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := int(c.volume) + delta
	if v < 0 {
		v = 0
	}
	if v > int(protocol.MaxVolume) {
		v = int(protocol.MaxVolume)
	}
	c.applyVolumeLocked(uint8(v))
}

// SinkReady tells the controller the sink can accept frames again after a
// rejected push.
func (c *Controller) SinkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinkBlocked = false
}

// Tick runs one worker pass: fire due offset actions, advance playback by
// at most one frame, track the fill state, and echo passed markers.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}

	pos := c.readerPosLocked()
	for _, a := range c.actions.popDue(pos) {
		a.fn(a.offset, false)
	}

	if c.sinkBlocked {
		return
	}
	if !c.open && !c.pendingOpen && !c.awaitingPush {
		return
	}

	if c.pendingOpen {
		writerPos := c.writer.Tell()
		if writerPos > c.openAt && writerPos-c.openAt > c.buf.Capacity() {
			c.failLocked(fmt.Errorf("open target %d already overwritten, writer at %d", c.openAt, writerPos))
			return
		}
		if c.openAt > writerPos {
			// Target data has not arrived yet.
			return
		}
		if err := c.reader.Seek(c.openAt, audio.SeekAbsolute); err != nil {
			c.failLocked(fmt.Errorf("seek to open target %d: %w", c.openAt, err))
			return
		}
		c.writer.SetPolicy(audio.WriterAllOrNothing)
		c.guarded = true
		c.pendingOpen = false
		c.awaitingPush = true
	}

	frame, ok := c.nextFrameLocked()
	if !ok {
		return
	}

	if !c.sink.PushFrame(frame) {
		c.retryFrame = frame
		c.sinkBlocked = true
		return
	}
	c.retryFrame = nil

	if c.awaitingPush {
		c.awaitingPush = false
		c.open = true
		c.emitLocked(protocol.NewEvent(protocol.EventSpeakerOpened, protocol.SpeakerOpenedPayload{
			Offset: c.readerPosLocked() - uint64(c.frameSize),
		}))
	}

	pos = c.readerPosLocked()
	for _, m := range c.markers.popPassed(pos) {
		c.emitLocked(protocol.NewEvent(protocol.EventSpeakerMarkerEncountered, protocol.SpeakerMarkerEncounteredPayload{
			Marker: m.id,
		}))
	}
}

// nextFrameLocked produces the next frame to push: the retry-buffered frame
// if one exists, otherwise exactly one frame read from the buffer. It also
// maintains the fill state machine.
func (c *Controller) nextFrameLocked() ([]byte, bool) {
	if c.retryFrame != nil {
		return c.retryFrame, true
	}
	if c.frameSize == 0 {
		// No content has arrived; nothing defines a frame yet.
		c.enterUnderrunLocked()
		return nil, false
	}

	frame := make([]byte, c.frameSize)
	n, err := c.reader.Read(frame, c.frameSize)
	switch {
	case errors.Is(err, audio.ErrWouldBlock):
		c.enterUnderrunLocked()
		return nil, false
	case errors.Is(err, audio.ErrOverrun):
		// The guarded writer never laps the reader; only a stray seek
		// could get here.
		log.Printf("speaker: unexpected reader overrun at %d", c.readerPosLocked())
		return nil, false
	case err != nil:
		c.failLocked(fmt.Errorf("buffer read: %w", err))
		return nil, false
	case n != c.frameSize:
		log.Printf("speaker: short read of %d bytes, frame size %d", n, c.frameSize)
		return nil, false
	}

	c.recomputeFillLocked()
	return frame, true
}

func (c *Controller) enterUnderrunLocked() {
	if c.state != protocol.BufferStateUnderrun {
		c.setStateLocked(protocol.BufferStateUnderrun)
	}
}

// recomputeFillLocked maps the fill level to {None, UnderrunWarning,
// OverrunWarning} after a successful read. Underrun and Overrun are exited
// only here, never entered; Overrun additionally stays sticky until the
// rejected sequence number has been redelivered and accepted.
func (c *Controller) recomputeFillLocked() {
	if c.state == protocol.BufferStateOverrun && c.gateSeq != 0 {
		return
	}
	fill, _ := c.reader.Tell(audio.SeekBeforeWriter)
	next := protocol.BufferStateNone
	switch {
	case fill >= c.cfg.OverrunWarnBytes:
		next = protocol.BufferStateOverrunWarning
	case fill <= c.cfg.UnderrunWarnBytes:
		next = protocol.BufferStateUnderrunWarning
	}
	if next != c.state {
		c.setStateLocked(next)
	}
}

// setStateLocked records a fill state transition, notifies the observer,
// and reports states the service cares about as events.
func (c *Controller) setStateLocked(state protocol.BufferState) {
	c.state = state
	if c.observer != nil {
		c.observer.OnBufferStateChanged(state)
	}
	switch state {
	case protocol.BufferStateUnderrun, protocol.BufferStateOverrun:
	case protocol.BufferStateOverrunWarning:
		if !c.open {
			return
		}
	default:
		return
	}
	c.emitLocked(protocol.NewEvent(protocol.EventBufferStateChanged, protocol.BufferStateChangedPayload{
		Topic:          protocol.TopicSpeaker,
		SequenceNumber: c.lastSeq,
		State:          state,
	}))
}

func (c *Controller) applyVolumeLocked(volume uint8) {
	if c.volumeApplied && volume == c.volume {
		return
	}
	first := !c.volumeApplied
	c.volume = volume
	c.volumeApplied = true
	c.volumeSink.SetVolume(volume)
	if first {
		return
	}
	payload := protocol.VolumeChangedPayload{Volume: volume}
	if c.open {
		pos := c.readerPosLocked()
		payload.Offset = &pos
	}
	c.emitLocked(protocol.NewEvent(protocol.EventVolumeChanged, payload))
}

// closeLocked stops playback at offset and reports it. The writer reverts
// to nonblockable so the service can keep streaming ahead of a reopen.
func (c *Controller) closeLocked(offset uint64) {
	wasActive := c.open || c.pendingOpen || c.awaitingPush
	c.open = false
	c.pendingOpen = false
	c.awaitingPush = false
	c.guarded = false
	c.retryFrame = nil
	c.sinkBlocked = false
	c.markers.clear()
	c.writer.SetPolicy(audio.WriterNonblockable)
	if wasActive {
		c.emitLocked(protocol.NewEvent(protocol.EventSpeakerClosed, protocol.SpeakerClosedPayload{Offset: offset}))
	}
}

func (c *Controller) readerPosLocked() uint64 {
	pos, _ := c.reader.Tell(audio.SeekAbsolute)
	return pos
}

func (c *Controller) rejectMalformedLocked(err error) {
	log.Printf("speaker: malformed message dropped: %v", err)
	c.emitLocked(protocol.NewEvent(protocol.EventExceptionEncountered, protocol.ExceptionEncounteredPayload{
		Code:        protocol.ExceptionMalformedMessage,
		Description: err.Error(),
	}))
}

func (c *Controller) failLocked(err error) {
	c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
	log.Printf("speaker: fatal: %v", err)
	c.emitLocked(protocol.NewEvent(protocol.EventExceptionEncountered, protocol.ExceptionEncounteredPayload{
		Code:        protocol.ExceptionInternalError,
		Description: err.Error(),
	}))
}

// emitLocked publishes fire-and-forget; a failed publish is logged and the
// event dropped.
func (c *Controller) emitLocked(e protocol.Event) {
	if err := c.publisher.PublishEvent(e); err != nil {
		log.Printf("speaker: publish %s: %v", e.Header.Name, err)
	}
}
