package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/observability"
)

// ChannelState tracks the event channel lifecycle
type ChannelState int

const (
	ChannelUnopened ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosed
)

// UpdateSink receives the typed updates the event channel dispatches.
// TranscriptUpdate is called in arrival order; StreamError is terminal for
// the session and carries a user-facing message.
type UpdateSink interface {
	TranscriptUpdate(transcript string, isFinal bool)
	StreamError(message string)
}

// EventChannel is one SSE subscription for a session. It is not reusable:
// once closed or errored, the caller must create a new one. No automatic
// reconnection is attempted.
type EventChannel struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
	sink       UpdateSink
	logger     zerolog.Logger

	mu     sync.Mutex
	state  ChannelState
	cancel context.CancelFunc

	opened  chan struct{}
	connErr chan error
	done    chan struct{}
}

// NewEventChannel creates an unopened event channel for a session
func NewEventChannel(baseURL, sessionID string, httpClient *http.Client, sink UpdateSink) *EventChannel {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &EventChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessionID:  sessionID,
		httpClient: httpClient,
		sink:       sink,
		logger:     observability.WithSession(sessionID),
		opened:     make(chan struct{}),
		connErr:    make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// State returns the channel's current lifecycle state
func (c *EventChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the subscription and returns once the request is in flight.
// Use WaitOpen to block until the server's connection acknowledgment.
func (c *EventChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ChannelUnopened {
		c.mu.Unlock()
		return fmt.Errorf("event channel already opened")
	}
	c.state = ChannelOpening
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, fmt.Sprintf("%s/stream/%s", c.baseURL, c.sessionID), nil)
	if err != nil {
		c.setClosed()
		cancel()
		return fmt.Errorf("%w: %v", ErrChannelFailed, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	go c.run(req)
	return nil
}

// WaitOpen blocks until the server acknowledges the subscription, the
// connection fails, or the timeout elapses.
func (c *EventChannel) WaitOpen(timeout time.Duration) error {
	select {
	case <-c.opened:
		return nil
	case err := <-c.connErr:
		return fmt.Errorf("%w: %v", ErrChannelFailed, err)
	case <-time.After(timeout):
		return ErrChannelTimeout
	}
}

// Close tears down the subscription; safe to call in any state
func (c *EventChannel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	alreadyClosed := c.state == ChannelClosed
	c.state = ChannelClosed
	c.mu.Unlock()

	if alreadyClosed {
		return
	}
	if cancel != nil {
		cancel()
	}
}

func (c *EventChannel) setOpen() {
	c.mu.Lock()
	if c.state == ChannelOpening {
		c.state = ChannelOpen
		close(c.opened)
	}
	c.mu.Unlock()
}

func (c *EventChannel) setClosed() {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
}

func (c *EventChannel) run(req *http.Request) {
	defer close(c.done)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failConnect(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.failConnect(fmt.Errorf("stream endpoint returned status %d", resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				c.dispatch(eventName, data.String())
			}
			eventName = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(name)
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(payload))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		c.failConnect(err)
		return
	}
	c.setClosed()
}

// failConnect records a connection-phase error or, after open, surfaces the
// drop as a stream error.
func (c *EventChannel) failConnect(err error) {
	c.mu.Lock()
	wasOpening := c.state == ChannelOpening
	c.state = ChannelClosed
	c.mu.Unlock()

	if wasOpening {
		select {
		case c.connErr <- err:
		default:
		}
		return
	}
	// Context cancellation is the normal Close path, not an error
	if strings.Contains(err.Error(), "context canceled") {
		return
	}
	c.logger.Warn().Err(err).Msg("Event channel connection lost")
	c.sink.StreamError("Transcription connection lost")
}

func (c *EventChannel) dispatch(eventName, payload string) {
	switch eventName {
	case "":
		// The unnamed first event is the connection acknowledgment
		var ack struct {
			Connected bool `json:"connected"`
		}
		if err := json.Unmarshal([]byte(payload), &ack); err == nil && ack.Connected {
			c.setOpen()
		}

	case "transcriptionData":
		var update struct {
			Transcript string `json:"transcript"`
			IsFinal    bool   `json:"isFinal"`
		}
		if err := json.Unmarshal([]byte(payload), &update); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed transcript event")
			return
		}
		c.sink.TranscriptUpdate(update.Transcript, update.IsFinal)

	case "streamError":
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(payload), &failure)
		c.logger.Error().Str("detail", failure.Error).Msg("Stream error event received")
		c.setClosed()
		c.sink.StreamError("Transcription failed, please try again")

	default:
		c.logger.Debug().Str("event", eventName).Msg("Ignoring unknown event type")
	}
}
