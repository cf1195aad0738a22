package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary audio-topic framing. A payload is a sequence of entries:
//
//	length:u32-LE | type:u8 | count:u8 | reserved:2 | body[length]
//
// A Content body is an 8-byte little-endian absolute stream offset followed
// by count+1 equal-sized frames. A Marker body is count+1 little-endian
// u32 marker ids.

// EntryType discriminates audio-topic entries.
type EntryType uint8

const (
	EntryTypeContent EntryType = 0
	EntryTypeMarker  EntryType = 1
)

const (
	entryHeaderSize   = 8
	contentOffsetSize = 8
	markerIDSize      = 4

	// MaxFramesPerEntry is bounded by the u8 count field.
	MaxFramesPerEntry = 256
)

// ErrMalformedPayload reports a binary framing violation.
var ErrMalformedPayload = errors.New("malformed audio payload")

// ContentEntry is a run of equal-sized audio frames at an absolute byte
// offset of the stream.
type ContentEntry struct {
	Offset    uint64
	FrameSize int
	Frames    []byte // len(Frames) == FrameSize * frame count
}

// FrameCount returns the number of frames in the entry.
func (c *ContentEntry) FrameCount() int {
	if c.FrameSize == 0 {
		return 0
	}
	return len(c.Frames) / c.FrameSize
}

// AudioEntry is one parsed audio-topic entry.
type AudioEntry struct {
	Type    EntryType
	Content *ContentEntry // set for EntryTypeContent
	Markers []uint32      // set for EntryTypeMarker, in wire order
}

// ParseAudioPayload parses a complete audio-topic payload. It validates the
// framing only; offset contiguity and frame-size consistency across
// messages are the consumer's concern.
func ParseAudioPayload(p []byte) ([]AudioEntry, error) {
	var entries []AudioEntry
	for len(p) > 0 {
		if len(p) < entryHeaderSize {
			return nil, fmt.Errorf("%w: %d-byte trailer is shorter than an entry header", ErrMalformedPayload, len(p))
		}
		length := binary.LittleEndian.Uint32(p)
		typ := EntryType(p[4])
		count := int(p[5]) + 1
		body := p[entryHeaderSize:]
		if uint64(length) > uint64(len(body)) {
			return nil, fmt.Errorf("%w: entry length %d exceeds remaining %d bytes", ErrMalformedPayload, length, len(body))
		}
		body = body[:length]
		p = p[entryHeaderSize+int(length):]

		switch typ {
		case EntryTypeContent:
			if len(body) < contentOffsetSize {
				return nil, fmt.Errorf("%w: content body of %d bytes has no offset", ErrMalformedPayload, len(body))
			}
			offset := binary.LittleEndian.Uint64(body)
			frames := body[contentOffsetSize:]
			if len(frames) == 0 || len(frames)%count != 0 {
				return nil, fmt.Errorf("%w: %d audio bytes do not split into %d frames", ErrMalformedPayload, len(frames), count)
			}
			entries = append(entries, AudioEntry{
				Type: EntryTypeContent,
				Content: &ContentEntry{
					Offset:    offset,
					FrameSize: len(frames) / count,
					Frames:    frames,
				},
			})
		case EntryTypeMarker:
			if len(body) != count*markerIDSize {
				return nil, fmt.Errorf("%w: marker body of %d bytes for %d markers", ErrMalformedPayload, len(body), count)
			}
			markers := make([]uint32, count)
			for i := range markers {
				markers[i] = binary.LittleEndian.Uint32(body[i*markerIDSize:])
			}
			entries = append(entries, AudioEntry{Type: EntryTypeMarker, Markers: markers})
		default:
			return nil, fmt.Errorf("%w: unknown entry type %d", ErrMalformedPayload, typ)
		}
	}
	return entries, nil
}

// AppendContentEntry appends a Content entry to dst and returns the
// extended slice. frames must be a non-empty whole number of frameSize
// frames, at most MaxFramesPerEntry of them.
func AppendContentEntry(dst []byte, offset uint64, frameSize int, frames []byte) ([]byte, error) {
	if frameSize <= 0 || len(frames) == 0 || len(frames)%frameSize != 0 {
		return dst, fmt.Errorf("%w: %d audio bytes of frame size %d", ErrMalformedPayload, len(frames), frameSize)
	}
	count := len(frames) / frameSize
	if count > MaxFramesPerEntry {
		return dst, fmt.Errorf("%w: %d frames exceed entry limit %d", ErrMalformedPayload, count, MaxFramesPerEntry)
	}
	dst = appendEntryHeader(dst, uint32(contentOffsetSize+len(frames)), EntryTypeContent, count)
	dst = binary.LittleEndian.AppendUint64(dst, offset)
	return append(dst, frames...), nil
}

// AppendMarkerEntry appends a Marker entry to dst and returns the extended
// slice.
func AppendMarkerEntry(dst []byte, markers []uint32) ([]byte, error) {
	if len(markers) == 0 || len(markers) > MaxFramesPerEntry {
		return dst, fmt.Errorf("%w: %d markers in one entry", ErrMalformedPayload, len(markers))
	}
	dst = appendEntryHeader(dst, uint32(len(markers)*markerIDSize), EntryTypeMarker, len(markers))
	for _, m := range markers {
		dst = binary.LittleEndian.AppendUint32(dst, m)
	}
	return dst, nil
}

func appendEntryHeader(dst []byte, length uint32, typ EntryType, count int) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, length)
	return append(dst, byte(typ), byte(count-1), 0, 0)
}
