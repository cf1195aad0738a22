// Package securechannel seals and opens the encrypted, sequence-numbered
// messages exchanged with the service. Every sealed message carries a
// little-endian u32 sequence number in the clear, followed by an AES-GCM
// ciphertext whose nonce is derived from the direction, the topic and the
// sequence number; the topic name is also bound in as associated data.
// Sequence numbers count per topic, so each topic's consumer sees a dense
// sequence it can reorder and gap-detect on.
package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	nonceSize = 12
	seqSize   = 4

	dirClientToService byte = 0x01
	dirServiceToClient byte = 0x02
)

// ErrDecrypt reports a message that failed authentication or was truncated.
var ErrDecrypt = errors.New("securechannel: cannot open message")

// Channel seals outbound and opens inbound messages with one shared key.
// Sealing is serialized internally; each topic's outbound sequence number
// increases by one per Seal on that topic.
type Channel struct {
	aead cipher.AEAD

	mu       sync.Mutex
	firstSeq uint32
	sendSeq  map[string]uint32

	sendDir byte
	recvDir byte
}

// NewClient creates the client's end of a channel. The key must be 16, 24
// or 32 bytes.
func NewClient(key []byte, firstSequence uint32) (*Channel, error) {
	return newChannel(key, firstSequence, dirClientToService, dirServiceToClient)
}

// NewService creates the service's end of a channel, used by tests and
// local simulators.
func NewService(key []byte, firstSequence uint32) (*Channel, error) {
	return newChannel(key, firstSequence, dirServiceToClient, dirClientToService)
}

func newChannel(key []byte, firstSequence uint32, sendDir, recvDir byte) (*Channel, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securechannel: %w", err)
	}
	return &Channel{
		aead:     aead,
		firstSeq: firstSequence,
		sendSeq:  make(map[string]uint32),
		sendDir:  sendDir,
		recvDir:  recvDir,
	}, nil
}

// Seal encrypts payload for the given topic and returns the wire message
// and the sequence number it was assigned.
func (c *Channel) Seal(topic string, payload []byte) ([]byte, uint32) {
	c.mu.Lock()
	seq, ok := c.sendSeq[topic]
	if !ok {
		seq = c.firstSeq
	}
	c.sendSeq[topic] = seq + 1
	c.mu.Unlock()

	wire := make([]byte, seqSize, seqSize+len(payload)+c.aead.Overhead())
	binary.LittleEndian.PutUint32(wire, seq)
	return c.aead.Seal(wire, nonce(c.sendDir, topic, seq), payload, []byte(topic)), seq
}

// Open authenticates and decrypts a wire message for the given topic,
// returning the payload and its sequence number. Replay and ordering are
// the sequencer's concern; Open only validates integrity.
func (c *Channel) Open(topic string, wire []byte) ([]byte, uint32, error) {
	if len(wire) < seqSize+c.aead.Overhead() {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrDecrypt, len(wire))
	}
	seq := binary.LittleEndian.Uint32(wire)
	payload, err := c.aead.Open(nil, nonce(c.recvDir, topic, seq), wire[seqSize:], []byte(topic))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: seq %d: %v", ErrDecrypt, seq, err)
	}
	return payload, seq, nil
}

// nonce derives the per-message nonce: direction byte, 7 bytes of the
// topic digest, sequence number. Direction and topic together keep the
// per-topic counters from ever reusing a (key, nonce) pair.
func nonce(dir byte, topic string, seq uint32) []byte {
	digest := sha256.Sum256([]byte(topic))
	n := make([]byte, nonceSize)
	n[0] = dir
	copy(n[1:nonceSize-seqSize], digest[:])
	binary.LittleEndian.PutUint32(n[nonceSize-seqSize:], seq)
	return n
}
