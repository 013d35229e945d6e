package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// SSE event names on the wire
const (
	sseEventTranscript = "transcriptionData"
	sseEventError      = "streamError"
)

type transcriptPayload struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// sseSubscriber pushes events over a Server-Sent Events response
type sseSubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

func newSSESubscriber(w http.ResponseWriter, flusher http.Flusher) *sseSubscriber {
	return &sseSubscriber{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// Done is closed when the relay shuts the connection from its own side
func (s *sseSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *sseSubscriber) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber is closed")
	}

	var err error
	switch event.Type {
	case EventConnected:
		_, err = fmt.Fprint(s.w, "data: {\"connected\":true}\n\n")
	case EventTranscript:
		data, marshalErr := json.Marshal(transcriptPayload{
			Transcript: event.Transcript,
			IsFinal:    event.IsFinal,
		})
		if marshalErr != nil {
			return marshalErr
		}
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", sseEventTranscript, data)
	case EventError:
		data, marshalErr := json.Marshal(errorPayload{Error: event.Error})
		if marshalErr != nil {
			return marshalErr
		}
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", sseEventError, data)
	default:
		return fmt.Errorf("unknown event type %d", event.Type)
	}
	if err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

func (s *sseSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// wsSubscriber pushes the same typed events over a WebSocket connection
type wsSubscriber struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type wsEvent struct {
	Type       string `json:"type"`
	Connected  bool   `json:"connected,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	IsFinal    bool   `json:"isFinal,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{conn: conn}
}

func (s *wsSubscriber) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber is closed")
	}

	switch event.Type {
	case EventConnected:
		return s.conn.WriteJSON(wsEvent{Type: "connected", Connected: true})
	case EventTranscript:
		return s.conn.WriteJSON(wsEvent{
			Type:       sseEventTranscript,
			Transcript: event.Transcript,
			IsFinal:    event.IsFinal,
		})
	case EventError:
		return s.conn.WriteJSON(wsEvent{Type: sseEventError, Error: event.Error})
	default:
		return fmt.Errorf("unknown event type %d", event.Type)
	}
}

func (s *wsSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}
