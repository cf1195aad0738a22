package audio

import (
	"bytes"
	"errors"
	"testing"
)

func mustBuffer(t *testing.T, capacityWords uint64, wordSize, maxReaders int) *StreamBuffer {
	t.Helper()
	b, err := NewStreamBuffer(capacityWords, wordSize, maxReaders)
	if err != nil {
		t.Fatalf("NewStreamBuffer: %v", err)
	}
	return b
}

func seq(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestNewStreamBufferValidation(t *testing.T) {
	if _, err := NewStreamBuffer(0, 1, 1); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid for zero capacity, got %v", err)
	}
	if _, err := NewStreamBuffer(10, 0, 1); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid for zero word size, got %v", err)
	}
	if _, err := NewStreamBuffer(10, 1, 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid for zero maxReaders, got %v", err)
	}
	if _, err := NewStreamBuffer(10, 1, 300); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid for maxReaders over limit, got %v", err)
	}

	b := mustBuffer(t, 10, 2, 3)
	if b.Capacity() != 10 {
		t.Errorf("Expected capacity 10, got %d", b.Capacity())
	}
	if len(b.Bytes()) != 20 {
		t.Errorf("Expected 20-byte arena, got %d", len(b.Bytes()))
	}
}

func TestStreamBufferWriteRead(t *testing.T) {
	b := mustBuffer(t, 16, 1, 1)
	w, err := b.AttachWriter(WriterNonblockable, false)
	if err != nil {
		t.Fatalf("AttachWriter: %v", err)
	}
	r, err := b.AttachReader(true)
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}

	in := seq(10)
	if n, err := w.Write(in); err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}

	out := make([]byte, 10)
	if n, err := r.Read(out, 10); err != nil || n != 10 {
		t.Fatalf("Read = (%d, %v), want (10, nil)", n, err)
	}
	if !bytes.Equal(out, in) {
		t.Error("Read did not return written data")
	}

	if _, err := r.Read(out, 1); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock at writer position, got %v", err)
	}
}

func TestStreamBufferWraparound(t *testing.T) {
	b := mustBuffer(t, 8, 1, 1)
	w, _ := b.AttachWriter(WriterNonblockable, false)
	r, _ := b.AttachReader(true)

	// Fill, drain half, fill again so the second write wraps.
	if _, err := w.Write(seq(8)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, 8)
	if _, err := r.Read(out, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}
	in2 := []byte{100, 101, 102, 103}
	if _, err := w.Write(in2); err != nil {
		t.Fatalf("Write: %v", err)
	}

	n, err := r.Read(out, 8)
	if err != nil || n != 8 {
		t.Fatalf("Read = (%d, %v), want (8, nil)", n, err)
	}
	want := append(seq(8)[4:], in2...)
	if !bytes.Equal(out, want) {
		t.Errorf("Read after wrap = %v, want %v", out, want)
	}
}

func TestStreamBufferTellIdentity(t *testing.T) {
	b := mustBuffer(t, 8, 1, 1)
	w, _ := b.AttachWriter(WriterNonblockable, false)
	r, _ := b.AttachReader(true)

	out := make([]byte, 8)
	for i := 0; i < 20; i++ {
		w.Write(seq(3))
		if i%2 == 0 {
			r.Read(out, 2)
		}
		// abs + before-writer must always equal the writer position.
		abs, _ := r.Tell(SeekAbsolute)
		bw, _ := r.Tell(SeekBeforeWriter)
		if abs+bw != w.Tell() {
			t.Fatalf("Tell(Absolute)+Tell(BeforeWriter) = %d+%d, want %d", abs, bw, w.Tell())
		}
	}
}

func TestStreamBufferOverrun(t *testing.T) {
	b := mustBuffer(t, 4, 1, 1)
	w, _ := b.AttachWriter(WriterNonblockable, false)
	r, _ := b.AttachReader(true)

	// Writer laps the reader by more than one capacity.
	if _, err := w.Write(seq(9)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, 4)
	if _, err := r.Read(out, 1); !errors.Is(err, ErrOverrun) {
		t.Fatalf("Expected ErrOverrun, got %v", err)
	}

	// Seeking older than writer-capacity also reports overrun.
	if err := r.Seek(0, SeekAbsolute); !errors.Is(err, ErrOverrun) {
		t.Errorf("Expected ErrOverrun seeking to 0, got %v", err)
	}

	// Reseek to the oldest valid word recovers.
	if err := r.Seek(b.Capacity(), SeekBeforeWriter); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if n, err := r.Read(out, 4); err != nil || n != 4 {
		t.Errorf("Read after reseek = (%d, %v), want (4, nil)", n, err)
	}

	// Seeking ahead of the writer is invalid, not overrun.
	if err := r.Seek(w.Tell()+1, SeekAbsolute); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid seeking past writer, got %v", err)
	}
}

func TestStreamBufferWriterPolicies(t *testing.T) {
	b := mustBuffer(t, 4, 1, 1)
	w, _ := b.AttachWriter(WriterAllOrNothing, false)
	r, _ := b.AttachReader(true)

	if n, err := w.Write(seq(4)); err != nil || n != 4 {
		t.Fatalf("Write = (%d, %v), want (4, nil)", n, err)
	}
	// Buffer is full of unread data: all-or-nothing rejects everything.
	if _, err := w.Write(seq(1)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Expected ErrWouldBlock, got %v", err)
	}

	// Nonblocking accepts the fitting prefix only.
	w.SetPolicy(WriterNonblocking)
	out := make([]byte, 4)
	r.Read(out, 2)
	if n, err := w.Write(seq(3)); err != nil || n != 2 {
		t.Errorf("Nonblocking write = (%d, %v), want (2, nil)", n, err)
	}
	if n, err := w.Write(seq(1)); err != nil || n != 0 {
		t.Errorf("Nonblocking write into full buffer = (%d, %v), want (0, nil)", n, err)
	}

	// Nonblockable overwrites and the reader later sees the overrun.
	w.SetPolicy(WriterNonblockable)
	if n, err := w.Write(seq(5)); err != nil || n != 5 {
		t.Fatalf("Nonblockable write = (%d, %v), want (5, nil)", n, err)
	}
	if _, err := r.Read(out, 1); !errors.Is(err, ErrOverrun) {
		t.Errorf("Expected ErrOverrun after being lapped, got %v", err)
	}
}

func TestStreamBufferAttachLimits(t *testing.T) {
	b := mustBuffer(t, 8, 1, 2)

	if _, err := b.AttachWriter(WriterNonblockable, false); err != nil {
		t.Fatalf("AttachWriter: %v", err)
	}
	if _, err := b.AttachWriter(WriterNonblockable, false); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected second AttachWriter to fail, got %v", err)
	}
	if _, err := b.AttachWriter(WriterAllOrNothing, true); err != nil {
		t.Errorf("Forced AttachWriter failed: %v", err)
	}

	r0, err := b.AttachReader(true)
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	if _, err := b.AttachReader(true); err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	if _, err := b.AttachReader(true); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected third AttachReader to fail, got %v", err)
	}
	if b.AttachedReaders() != 2 {
		t.Errorf("Expected 2 attached readers, got %d", b.AttachedReaders())
	}

	if _, err := b.AttachReaderWithID(r0.ID(), true, false); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected in-use id attach to fail, got %v", err)
	}
	if _, err := b.AttachReaderWithID(r0.ID(), true, true); err != nil {
		t.Errorf("Forced id attach failed: %v", err)
	}
}

func TestStreamBufferDetachedReaderConstrainsNothing(t *testing.T) {
	b := mustBuffer(t, 4, 1, 2)
	w, _ := b.AttachWriter(WriterAllOrNothing, false)
	r, _ := b.AttachReader(true)

	w.Write(seq(4))
	if _, err := w.Write(seq(1)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Expected ErrWouldBlock while reader attached, got %v", err)
	}

	r.Detach()
	if n, err := w.Write(seq(1)); err != nil || n != 1 {
		t.Errorf("Write after detach = (%d, %v), want (1, nil)", n, err)
	}
	if _, err := r.Read(make([]byte, 1), 1); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid on detached reader, got %v", err)
	}
}

func TestStreamBufferCloseAt(t *testing.T) {
	b := mustBuffer(t, 8, 1, 1)
	w, _ := b.AttachWriter(WriterNonblockable, false)
	r, _ := b.AttachReader(true)

	w.Write(seq(6))
	if err := r.SetClose(4, SeekAbsolute); err != nil {
		t.Fatalf("SetClose: %v", err)
	}

	// Words before the close position drain normally.
	out := make([]byte, 8)
	if n, err := r.Read(out, 8); err != nil || n != 4 {
		t.Fatalf("Read = (%d, %v), want (4, nil)", n, err)
	}
	if _, err := r.Read(out, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed at close position, got %v", err)
	}

	if err := r.ClearClose(); err != nil {
		t.Fatalf("ClearClose: %v", err)
	}
	if n, err := r.Read(out, 8); err != nil || n != 2 {
		t.Errorf("Read after ClearClose = (%d, %v), want (2, nil)", n, err)
	}
}

func TestStreamBufferLargeWriteKeepsTrailingWindow(t *testing.T) {
	b := mustBuffer(t, 4, 1, 1)
	w, _ := b.AttachWriter(WriterNonblockable, false)
	r, _ := b.AttachReader(true)

	in := seq(10)
	if n, err := w.Write(in); err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}
	if err := r.Seek(b.Capacity(), SeekBeforeWriter); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	out := make([]byte, 4)
	if n, err := r.Read(out, 4); err != nil || n != 4 {
		t.Fatalf("Read = (%d, %v), want (4, nil)", n, err)
	}
	if !bytes.Equal(out, in[6:]) {
		t.Errorf("Read = %v, want trailing window %v", out, in[6:])
	}
}
