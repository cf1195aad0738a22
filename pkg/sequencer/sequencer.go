// Package sequencer reorders sequence-numbered messages for one topic. It
// buffers out-of-order arrivals up to a window, delivers strictly ordered
// messages to a handler, asks the far end to resend gaps, and supports
// explicit redelivery of sequence numbers a consumer has already rejected
// (the speaker controller's overrun recovery).
package sequencer

import (
	"log"
	"sync"
)

// Handler consumes messages in strict sequence order.
type Handler func(payload []byte, sequenceNumber uint32)

// RequestFunc asks the far end to resend one sequence number.
type RequestFunc func(sequenceNumber uint32)

// Config configures a Sequencer.
type Config struct {
	// FirstSequence is the sequence number expected first.
	FirstSequence uint32
	// Window is how many out-of-order messages may be buffered before
	// the oldest gap is re-requested.
	Window int
	// GapStrikes is how many later arrivals may accumulate before a gap
	// triggers a resend request.
	GapStrikes int
}

// DefaultConfig returns a window suitable for a single wireless hop.
func DefaultConfig() Config {
	return Config{Window: 16, GapStrikes: 3}
}

// Sequencer expects OnMessage calls from a single goroutine (the transport
// read pump). The handler and request callbacks are invoked without the
// internal lock held, so a handler may call Redeliver from another
// goroutine without deadlocking.
type Sequencer struct {
	mu      sync.Mutex
	cfg     Config
	next    uint32
	pending map[uint32][]byte // buffered out-of-order arrivals
	expect  map[uint32]bool   // redelivery expectations from the consumer
	strikes int
	handler Handler
	request RequestFunc
}

// New creates a sequencer delivering to handler and re-requesting gaps via
// request.
func New(cfg Config, handler Handler, request RequestFunc) *Sequencer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.GapStrikes <= 0 {
		cfg.GapStrikes = DefaultConfig().GapStrikes
	}
	return &Sequencer{
		cfg:     cfg,
		next:    cfg.FirstSequence,
		pending: make(map[uint32][]byte),
		expect:  make(map[uint32]bool),
		handler: handler,
		request: request,
	}
}

// OnMessage accepts one arrival. In-order messages are delivered
// immediately, followed by any buffered successors; future messages are
// buffered; stale duplicates are dropped unless their redelivery was
// requested, in which case they bypass ordering and go straight to the
// handler.
func (s *Sequencer) OnMessage(payload []byte, seq uint32) {
	var deliver []delivery
	var resend uint32
	var doResend bool

	s.mu.Lock()
	switch {
	case s.expect[seq]:
		delete(s.expect, seq)
		deliver = append(deliver, delivery{payload, seq})
	case seq == s.next:
		deliver = append(deliver, delivery{payload, seq})
		s.next++
		s.strikes = 0
		deliver = s.flushLocked(deliver)
	case seqBefore(seq, s.next):
		log.Printf("sequencer: dropping stale seq %d, expecting %d", seq, s.next)
	default:
		if _, dup := s.pending[seq]; dup {
			break
		}
		s.pending[seq] = payload
		s.strikes++
		if s.strikes >= s.cfg.GapStrikes || len(s.pending) >= s.cfg.Window {
			s.strikes = 0
			resend, doResend = s.next, true
		}
	}
	s.mu.Unlock()

	for _, d := range deliver {
		s.handler(d.payload, d.seq)
	}
	if doResend {
		log.Printf("sequencer: re-requesting missing seq %d", resend)
		s.request(resend)
	}
}

type delivery struct {
	payload []byte
	seq     uint32
}

// Redeliver registers a consumer's demand for one already-delivered
// sequence number and asks the far end to resend it.
func (s *Sequencer) Redeliver(seq uint32) {
	s.mu.Lock()
	s.expect[seq] = true
	s.mu.Unlock()
	s.request(seq)
}

// Pending returns how many out-of-order messages are buffered.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sequencer) flushLocked(deliver []delivery) []delivery {
	for {
		payload, ok := s.pending[s.next]
		if !ok {
			return deliver
		}
		delete(s.pending, s.next)
		deliver = append(deliver, delivery{payload, s.next})
		s.next++
	}
}

// seqBefore reports whether a precedes b with serial-number wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
