// Package audio provides audio buffering utilities.
//
// StreamBuffer implements a fixed-capacity circular buffer addressed by a
// monotonically increasing absolute word index. One writer and up to
// maxReaders independent readers share the buffer, each reader with its own
// cursor. Used by the speaker pipeline to decouple the arrival rate of
// network audio from the consumption rate of the playback sink.
//
// Main features:
//   - Absolute (never wrapping) cursors; a reader more than one capacity
//     behind the writer is in overrun and must reseek to recover
//   - Three writer policies: nonblockable, all-or-nothing, nonblocking
//   - Per-reader deferred close positions for graceful drain
//
// StreamBuffer is NOT internally synchronized. The writer and every reader
// must be serialized externally; the speaker controller drives both under a
// single mutex.
package audio

import (
	"errors"
	"fmt"
)

// Errors returned by reader and writer operations.
var (
	// ErrWouldBlock reports that a reader caught up with the writer, or
	// that an all-or-nothing write does not fit.
	ErrWouldBlock = errors.New("stream buffer: would block")
	// ErrOverrun reports that a reader cursor fell more than one buffer
	// capacity behind the writer. The reader must Seek to recover.
	ErrOverrun = errors.New("stream buffer: reader overrun")
	// ErrClosed reports that a reader reached its close position.
	ErrClosed = errors.New("stream buffer: reader closed")
	// ErrInvalid reports bad arguments or a detached handle.
	ErrInvalid = errors.New("stream buffer: invalid argument")
)

// WriterPolicy controls how a write behaves when it would overwrite data an
// active reader has not yet consumed.
type WriterPolicy int

const (
	// WriterNonblockable always accepts the full write, silently
	// overwriting unread data. A lapped reader discovers the loss later
	// as ErrOverrun.
	WriterNonblockable WriterPolicy = iota
	// WriterAllOrNothing rejects the entire write with ErrWouldBlock if
	// any word of it would overwrite unread data.
	WriterAllOrNothing
	// WriterNonblocking writes only the prefix that fits without
	// overwriting unread data, possibly zero words.
	WriterNonblocking
)

// SeekReference selects the reference frame for Seek, Tell and SetClose.
type SeekReference int

const (
	SeekAbsolute SeekReference = iota
	SeekBeforeReader
	SeekAfterReader
	SeekBeforeWriter
)

// maxReaderLimit is the largest reader id representable on the wire.
const maxReaderLimit = 255

type readerSlot struct {
	attached bool
	cursor   uint64 // absolute word index of the next read
	closeAt  uint64 // absolute close position, valid when hasClose
	hasClose bool
}

// StreamBuffer is a fixed-capacity, multi-reader circular buffer of
// fixed-size words. The zero value is not usable; construct with
// NewStreamBuffer or NewStreamBufferOn.
type StreamBuffer struct {
	arena    []byte
	capacity uint64 // in words
	wordSize int

	wcursor     uint64 // absolute word index of the next write, only increases
	writer      *Writer
	writePolicy WriterPolicy

	readers []readerSlot
}

// NewStreamBuffer creates a stream buffer backed by a freshly allocated
// arena of capacityWords*wordSize bytes.
func NewStreamBuffer(capacityWords uint64, wordSize, maxReaders int) (*StreamBuffer, error) {
	if wordSize <= 0 || capacityWords < 1 {
		return nil, fmt.Errorf("%w: capacity %d words of size %d", ErrInvalid, capacityWords, wordSize)
	}
	return NewStreamBufferOn(make([]byte, capacityWords*uint64(wordSize)), wordSize, maxReaders)
}

// NewStreamBufferOn creates a stream buffer on a caller-provided arena. The
// buffer only references the arena; its lifetime is the caller's
// responsibility. Capacity is len(arena)/wordSize words.
func NewStreamBufferOn(arena []byte, wordSize, maxReaders int) (*StreamBuffer, error) {
	if wordSize <= 0 {
		return nil, fmt.Errorf("%w: word size %d", ErrInvalid, wordSize)
	}
	capacity := uint64(len(arena)) / uint64(wordSize)
	if capacity < 1 {
		return nil, fmt.Errorf("%w: arena of %d bytes holds no %d-byte word", ErrInvalid, len(arena), wordSize)
	}
	if maxReaders < 1 || maxReaders > maxReaderLimit {
		return nil, fmt.Errorf("%w: maxReaders %d (limit %d)", ErrInvalid, maxReaders, maxReaderLimit)
	}
	return &StreamBuffer{
		arena:    arena[:capacity*uint64(wordSize)],
		capacity: capacity,
		wordSize: wordSize,
		readers:  make([]readerSlot, maxReaders),
	}, nil
}

// Capacity returns the buffer capacity in words.
func (b *StreamBuffer) Capacity() uint64 { return b.capacity }

// WordSize returns the size of one word in bytes.
func (b *StreamBuffer) WordSize() int { return b.wordSize }

// Bytes exposes the backing arena.
func (b *StreamBuffer) Bytes() []byte { return b.arena }

// AttachedReaders returns how many readers are currently attached.
func (b *StreamBuffer) AttachedReaders() int {
	n := 0
	for i := range b.readers {
		if b.readers[i].attached {
			n++
		}
	}
	return n
}

// oldest returns the oldest absolute position still present in the buffer.
func (b *StreamBuffer) oldest() uint64 {
	if b.wcursor > b.capacity {
		return b.wcursor - b.capacity
	}
	return 0
}

// AttachWriter attaches the single writer. With force false the call fails if
// a writer is already attached; with force true the existing writer is
// detached first. The new writer continues at the current write position.
func (b *StreamBuffer) AttachWriter(policy WriterPolicy, force bool) (*Writer, error) {
	if b.writer != nil {
		if !force {
			return nil, fmt.Errorf("%w: writer already attached", ErrInvalid)
		}
		b.writer.buf = nil
	}
	w := &Writer{buf: b}
	b.writer = w
	b.writePolicy = policy
	return w, nil
}

// AttachReader attaches a reader in the first free slot. With startAtOldest
// the cursor starts at the oldest word still buffered, otherwise at the
// current write position.
func (b *StreamBuffer) AttachReader(startAtOldest bool) (*Reader, error) {
	for id := range b.readers {
		if !b.readers[id].attached {
			return b.attachReaderAt(id, startAtOldest), nil
		}
	}
	return nil, fmt.Errorf("%w: all %d reader slots in use", ErrInvalid, len(b.readers))
}

// AttachReaderWithID attaches a reader in a specific slot. Attaching to an
// in-use slot fails unless force is set, in which case the existing reader
// is detached first.
func (b *StreamBuffer) AttachReaderWithID(id int, startAtOldest, force bool) (*Reader, error) {
	if id < 0 || id >= len(b.readers) {
		return nil, fmt.Errorf("%w: reader id %d out of range", ErrInvalid, id)
	}
	if b.readers[id].attached && !force {
		return nil, fmt.Errorf("%w: reader id %d in use", ErrInvalid, id)
	}
	return b.attachReaderAt(id, startAtOldest), nil
}

func (b *StreamBuffer) attachReaderAt(id int, startAtOldest bool) *Reader {
	cursor := b.wcursor
	if startAtOldest {
		cursor = b.oldest()
	}
	b.readers[id] = readerSlot{attached: true, cursor: cursor}
	return &Reader{buf: b, id: id}
}

// Writer is the handle for the buffer's single attached writer.
type Writer struct {
	buf *StreamBuffer
}

// SetPolicy switches the write policy at runtime.
func (w *Writer) SetPolicy(policy WriterPolicy) error {
	if w.buf == nil {
		return ErrInvalid
	}
	w.buf.writePolicy = policy
	return nil
}

// Tell returns the absolute word index of the next write.
func (w *Writer) Tell() uint64 {
	if w.buf == nil {
		return 0
	}
	return w.buf.wcursor
}

// Detach releases the writer slot. The write position is retained for a
// future writer.
func (w *Writer) Detach() {
	if w.buf == nil {
		return
	}
	w.buf.writer = nil
	w.buf = nil
}

// writableWords returns how many words can be written without overwriting
// data an in-window attached reader has not consumed. Readers already in
// overrun have lost their window and do not constrain the writer.
func (b *StreamBuffer) writableWords() uint64 {
	allowed := b.capacity
	for i := range b.readers {
		r := &b.readers[i]
		if !r.attached {
			continue
		}
		behind := b.wcursor - r.cursor
		if behind > b.capacity {
			continue
		}
		if room := b.capacity - behind; room < allowed {
			allowed = room
		}
	}
	return allowed
}

// Write appends p, which must be a whole number of words, at the write
// cursor. The word count actually written depends on the writer policy;
// zero is a valid outcome for WriterNonblocking.
func (w *Writer) Write(p []byte) (int, error) {
	b := w.buf
	if b == nil {
		return 0, ErrInvalid
	}
	if len(p)%b.wordSize != 0 {
		return 0, fmt.Errorf("%w: write of %d bytes is not whole %d-byte words", ErrInvalid, len(p), b.wordSize)
	}
	words := uint64(len(p)) / uint64(b.wordSize)
	if words == 0 {
		return 0, nil
	}

	switch b.writePolicy {
	case WriterAllOrNothing:
		if words > b.writableWords() {
			return 0, ErrWouldBlock
		}
	case WriterNonblocking:
		if room := b.writableWords(); words > room {
			words = room
		}
		if words == 0 {
			return 0, nil
		}
	}

	src := p[:words*uint64(b.wordSize)]
	// A write larger than the whole buffer keeps only the trailing window.
	if words > b.capacity {
		src = src[(words-b.capacity)*uint64(b.wordSize):]
	}
	pos := (b.wcursor % b.capacity) * uint64(b.wordSize)
	if words > b.capacity {
		pos = ((b.wcursor + words) % b.capacity) * uint64(b.wordSize)
	}
	n := copy(b.arena[pos:], src)
	copy(b.arena, src[n:])

	b.wcursor += words
	return int(words), nil
}

// Reader is the handle for one attached reader slot.
type Reader struct {
	buf *StreamBuffer
	id  int
}

// ID returns the reader's slot id.
func (r *Reader) ID() int { return r.id }

func (r *Reader) slot() *readerSlot {
	if r.buf == nil {
		return nil
	}
	s := &r.buf.readers[r.id]
	if !s.attached {
		return nil
	}
	return s
}

// Read copies up to wantWords words into p and advances the cursor. It
// returns the word count read, or ErrWouldBlock when the cursor has caught
// up with the writer, ErrOverrun when the cursor fell more than one capacity
// behind (Seek to recover), or ErrClosed once the close position is reached.
func (r *Reader) Read(p []byte, wantWords int) (int, error) {
	b := r.buf
	s := r.slot()
	if s == nil {
		return 0, ErrInvalid
	}
	if wantWords <= 0 || len(p) < wantWords*b.wordSize {
		return 0, fmt.Errorf("%w: want %d words into %d bytes", ErrInvalid, wantWords, len(p))
	}
	if s.hasClose && s.cursor >= s.closeAt {
		return 0, ErrClosed
	}
	behind := b.wcursor - s.cursor
	if behind > b.capacity {
		return 0, ErrOverrun
	}
	if behind == 0 {
		return 0, ErrWouldBlock
	}

	words := uint64(wantWords)
	if words > behind {
		words = behind
	}
	if s.hasClose {
		if remain := s.closeAt - s.cursor; words > remain {
			words = remain
		}
	}

	pos := (s.cursor % b.capacity) * uint64(b.wordSize)
	n := copy(p[:words*uint64(b.wordSize)], b.arena[pos:])
	copy(p[n:words*uint64(b.wordSize)], b.arena)

	s.cursor += words
	return int(words), nil
}

// position resolves amount/reference into an absolute word index.
func (r *Reader) position(amount uint64, ref SeekReference) (uint64, error) {
	b := r.buf
	s := r.slot()
	switch ref {
	case SeekAbsolute:
		return amount, nil
	case SeekBeforeReader:
		if amount > s.cursor {
			return 0, fmt.Errorf("%w: %d words before reader at %d", ErrInvalid, amount, s.cursor)
		}
		return s.cursor - amount, nil
	case SeekAfterReader:
		return s.cursor + amount, nil
	case SeekBeforeWriter:
		if amount > b.wcursor {
			return 0, fmt.Errorf("%w: %d words before writer at %d", ErrInvalid, amount, b.wcursor)
		}
		return b.wcursor - amount, nil
	default:
		return 0, fmt.Errorf("%w: seek reference %d", ErrInvalid, ref)
	}
}

// Seek moves the cursor to amount words relative to the given reference.
// The resulting position must lie within [writer-capacity, writer]; an older
// target fails with ErrOverrun, a target ahead of the writer with ErrInvalid.
func (r *Reader) Seek(amount uint64, ref SeekReference) error {
	b := r.buf
	s := r.slot()
	if s == nil {
		return ErrInvalid
	}
	target, err := r.position(amount, ref)
	if err != nil {
		return err
	}
	if target < b.oldest() {
		return ErrOverrun
	}
	if target > b.wcursor {
		return fmt.Errorf("%w: seek target %d ahead of writer at %d", ErrInvalid, target, b.wcursor)
	}
	s.cursor = target
	return nil
}

// Tell reports the cursor in the given reference frame: SeekAbsolute returns
// the absolute cursor, SeekBeforeWriter the distance to the writer. Reader-
// relative frames are meaningless here and fail.
func (r *Reader) Tell(ref SeekReference) (uint64, error) {
	b := r.buf
	s := r.slot()
	if s == nil {
		return 0, ErrInvalid
	}
	switch ref {
	case SeekAbsolute:
		return s.cursor, nil
	case SeekBeforeWriter:
		return b.wcursor - s.cursor, nil
	default:
		return 0, fmt.Errorf("%w: tell reference %d", ErrInvalid, ref)
	}
}

// SetClose marks the reader to report ErrClosed once its cursor reaches the
// given position, allowing buffered words before it to drain first.
func (r *Reader) SetClose(amount uint64, ref SeekReference) error {
	s := r.slot()
	if s == nil {
		return ErrInvalid
	}
	target, err := r.position(amount, ref)
	if err != nil {
		return err
	}
	s.closeAt = target
	s.hasClose = true
	return nil
}

// ClearClose removes a pending close position.
func (r *Reader) ClearClose() error {
	s := r.slot()
	if s == nil {
		return ErrInvalid
	}
	s.hasClose = false
	return nil
}

// Detach releases the reader slot.
func (r *Reader) Detach() {
	if s := r.slot(); s != nil {
		s.attached = false
	}
	r.buf = nil
}
