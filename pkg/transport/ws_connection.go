package transport

import (
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

var _ Connection = (*wsConnectionImpl)(nil)

// Wire framing: every websocket binary message is
// topicLen:u8 | topic | payload.
const maxTopicLen = 255

type outMessage struct {
	topic   string
	payload []byte
}

type wsConnectionImpl struct {
	conn    *websocket.Conn
	handler ConnectionEventHandler

	outChan chan outMessage

	subMu sync.RWMutex
	subs  map[string][]MessageHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the service endpoint and starts the read/write pumps.
func Dial(endpoint string, handler ConnectionEventHandler) (Connection, error) {
	wsConn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return NewWSConnection(wsConn, handler), nil
}

// NewWSConnection wraps an established websocket connection. Used by Dial
// and by test servers accepting the client side.
func NewWSConnection(wsConn *websocket.Conn, handler ConnectionEventHandler) Connection {
	if handler == nil {
		handler = &NoOpConnectionEventHandler{}
	}
	ws := &wsConnectionImpl{
		conn:    wsConn,
		handler: handler,
		outChan: make(chan outMessage, 50),
		subs:    make(map[string][]MessageHandler),
		closed:  make(chan struct{}),
	}

	go ws.readPump()
	go ws.writePump()

	ws.handler.OnConnected(ws)
	return ws
}

func (w *wsConnectionImpl) readPump() {
	defer w.Close()

	for {
		select {
		case <-w.closed:
			return
		default:
			msgType, message, err := w.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("transport: read error: %v", err)
					w.handler.OnError(w, err)
				}
				w.handler.OnDisconnected(w, err)
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}

			topic, payload, err := decodeFrame(message)
			if err != nil {
				log.Printf("transport: dropping frame: %v", err)
				continue
			}
			w.dispatch(topic, payload)
		}
	}
}

func (w *wsConnectionImpl) dispatch(topic string, payload []byte) {
	w.subMu.RLock()
	handlers := w.subs[topic]
	w.subMu.RUnlock()
	if len(handlers) == 0 {
		log.Printf("transport: no subscriber for topic %q", topic)
		return
	}
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (w *wsConnectionImpl) writePump() {
	for {
		select {
		case <-w.closed:
			return
		case msg := <-w.outChan:
			frame, err := encodeFrame(msg.topic, msg.payload)
			if err != nil {
				log.Printf("transport: %v", err)
				continue
			}
			if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("transport: write error: %v", err)
				w.handler.OnError(w, err)
				return
			}
		}
	}
}

func (w *wsConnectionImpl) Publish(topic string, payload []byte) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	select {
	case w.outChan <- outMessage{topic: topic, payload: payload}:
		return nil
	default:
		log.Printf("transport: outbound queue full, dropping message on %q", topic)
		return fmt.Errorf("transport: outbound queue full")
	}
}

func (w *wsConnectionImpl) Subscribe(topic string, h MessageHandler) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subs[topic] = append(w.subs[topic], h)
}

func (w *wsConnectionImpl) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.conn.Close()
	})
	return nil
}

func encodeFrame(topic string, payload []byte) ([]byte, error) {
	if len(topic) == 0 || len(topic) > maxTopicLen {
		return nil, fmt.Errorf("bad topic length %d", len(topic))
	}
	frame := make([]byte, 0, 1+len(topic)+len(payload))
	frame = append(frame, byte(len(topic)))
	frame = append(frame, topic...)
	return append(frame, payload...), nil
}

func decodeFrame(frame []byte) (string, []byte, error) {
	if len(frame) < 1 {
		return "", nil, fmt.Errorf("empty frame")
	}
	topicLen := int(frame[0])
	if topicLen == 0 || len(frame) < 1+topicLen {
		return "", nil, fmt.Errorf("bad topic length %d in %d-byte frame", topicLen, len(frame))
	}
	return string(frame[1 : 1+topicLen]), frame[1+topicLen:], nil
}
