package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// startEchoServer accepts one websocket connection and echoes every binary
// frame back to the sender.
func startEchoServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	conn, err := Dial(startEchoServer(t), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	received := map[string][][]byte{}
	done := make(chan struct{}, 2)
	handler := func(topic string, payload []byte) {
		mu.Lock()
		received[topic] = append(received[topic], payload)
		mu.Unlock()
		done <- struct{}{}
	}
	conn.Subscribe("speaker", handler)
	conn.Subscribe("directive", handler)

	if err := conn.Publish("speaker", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := conn.Publish("directive", []byte(`{"name":"x"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for echoed messages")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received["speaker"]) != 1 || len(received["directive"]) != 1 {
		t.Fatalf("received = %v", received)
	}
	if string(received["speaker"][0]) != "\x01\x02\x03" {
		t.Errorf("speaker payload = %v", received["speaker"][0])
	}
}

func TestPublishAfterClose(t *testing.T) {
	conn, err := Dial(startEchoServer(t), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Close()
	if err := conn.Publish("speaker", []byte{1}); err == nil {
		t.Error("Expected error publishing on closed connection")
	}
}

func TestFrameCodec(t *testing.T) {
	frame, err := encodeFrame("speaker", []byte{9, 9})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	topic, payload, err := decodeFrame(frame)
	if err != nil || topic != "speaker" || len(payload) != 2 {
		t.Errorf("decodeFrame = (%q, %v, %v)", topic, payload, err)
	}

	if _, err := encodeFrame("", nil); err == nil {
		t.Error("Expected error for empty topic")
	}
	if _, _, err := decodeFrame([]byte{200, 1, 2}); err == nil {
		t.Error("Expected error for short frame")
	}
	if _, _, err := decodeFrame(nil); err == nil {
		t.Error("Expected error for empty frame")
	}
}
