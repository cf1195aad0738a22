// Package transport carries the client's publish/subscribe traffic. A
// Connection moves opaque topic-addressed payloads; encryption and sequence
// validation happen above it, in securechannel and sequencer.
package transport

import "errors"

// ErrClosed reports use of a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// MessageHandler receives every payload arriving on a subscribed topic.
// Handlers run on the connection's read goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Connection is a topic-addressed publish/subscribe channel to the service.
type Connection interface {
	// Publish queues payload for delivery on topic. It never blocks; a
	// full outbound queue drops the message.
	Publish(topic string, payload []byte) error
	// Subscribe registers h for payloads arriving on topic. Multiple
	// handlers per topic are allowed.
	Subscribe(topic string, h MessageHandler)
	Close() error
}

// ConnectionEventHandler observes connection lifecycle changes.
type ConnectionEventHandler interface {
	OnConnected(conn Connection)
	OnDisconnected(conn Connection, err error)
	OnError(conn Connection, err error)
}

// NoOpConnectionEventHandler satisfies ConnectionEventHandler with empty
// methods, for callers that only care about some of them.
type NoOpConnectionEventHandler struct{}

func (h *NoOpConnectionEventHandler) OnConnected(conn Connection)                   {}
func (h *NoOpConnectionEventHandler) OnDisconnected(conn Connection, err error)     {}
func (h *NoOpConnectionEventHandler) OnError(conn Connection, err error)            {}
