package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/resilience"
	"github.com/nlipchat/voice-relay/internal/stt"
)

// Routing errors reported to the caller as client errors
var (
	ErrNoSubscriber = errors.New("no active subscriber for this session")
	ErrNoStream     = errors.New("no active stream for this session")
)

// Defaults for the bounded wait between a start request and its subscriber
// attaching. Kept as named constants so tests can reason about the window.
const (
	DefaultSubscriberWaitAttempts = 5
	DefaultSubscriberWaitDelay    = 100 * time.Millisecond
)

// EventType discriminates events pushed to a subscriber
type EventType int

const (
	EventConnected EventType = iota
	EventTranscript
	EventError
)

// Event is one unit pushed over a session's event channel
type Event struct {
	Type       EventType
	Transcript string
	IsFinal    bool
	Error      string
}

// Subscriber is one live push connection bound to a session identifier.
// Send must be safe for concurrent use; Close must be idempotent.
type Subscriber interface {
	Send(event Event) error
	Close()
}

// RouterConfig tunes the session router
type RouterConfig struct {
	SubscriberWaitAttempts int
	SubscriberWaitDelay    time.Duration
	Sleep                  resilience.Sleeper // injectable for tests
}

// Router is the multiplexing core of the relay. It pairs each session's
// push subscriber with its recognition stream and brokers messages between
// them. All state is partitioned by session ID; the mutex only guards map
// access, never I/O, so distinct sessions cannot block each other.
type Router struct {
	adapter      stt.Adapter
	waitAttempts int
	waitDelay    time.Duration
	sleep        resilience.Sleeper
	logger       zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	streams     map[string]*sessionStream
}

type sessionStream struct {
	stream  stt.Stream
	cancel  context.CancelFunc
	metrics *observability.SessionMetrics

	seqMu   sync.Mutex
	lastSeq int64
}

// NewRouter creates a session router backed by the given adapter
func NewRouter(adapter stt.Adapter, cfg RouterConfig) *Router {
	if cfg.SubscriberWaitAttempts <= 0 {
		cfg.SubscriberWaitAttempts = DefaultSubscriberWaitAttempts
	}
	if cfg.SubscriberWaitDelay <= 0 {
		cfg.SubscriberWaitDelay = DefaultSubscriberWaitDelay
	}
	return &Router{
		adapter:      adapter,
		waitAttempts: cfg.SubscriberWaitAttempts,
		waitDelay:    cfg.SubscriberWaitDelay,
		sleep:        cfg.Sleep,
		logger:       observability.GetLogger(),
		subscribers:  make(map[string]Subscriber),
		streams:      make(map[string]*sessionStream),
	}
}

// Subscribe registers a push subscriber for a session, replacing and closing
// any previous subscriber for the same session, and immediately emits the
// connection-open acknowledgment on the new one.
func (r *Router) Subscribe(sessionID string, sub Subscriber) {
	r.mu.Lock()
	prev := r.subscribers[sessionID]
	r.subscribers[sessionID] = sub
	r.mu.Unlock()

	if prev != nil {
		// A rapid reconnect superseded the old connection; close it rather
		// than leaving it to time out.
		prev.Close()
		observability.RecordSubscriberReplaced()
	} else {
		observability.RecordSubscriberOpen()
	}

	if err := sub.Send(Event{Type: EventConnected}); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to send connection ack")
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Subscriber connected")
}

// Unsubscribe removes a subscriber when its connection closes. The stream for
// the session, if any, is torn down with it so no stream outlives its
// subscriber. The entry is only removed if sub is still the current one, so a
// replaced connection's teardown cannot disturb its successor.
func (r *Router) Unsubscribe(sessionID string, sub Subscriber) {
	r.mu.Lock()
	current, ok := r.subscribers[sessionID]
	if !ok || current != sub {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, sessionID)
	ss := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mu.Unlock()

	observability.RecordSubscriberClose()
	if ss != nil {
		r.closeStream(sessionID, ss)
	}
	r.logger.Info().Str("session_id", sessionID).Msg("Subscriber disconnected")
}

// Start opens a recognition stream for a session. It waits a bounded amount
// of time for the session's subscriber to attach (the audio producer may race
// ahead of the event channel), then fails with ErrNoSubscriber.
func (r *Router) Start(ctx context.Context, sessionID string) error {
	hasSubscriber := func() bool {
		r.mu.RLock()
		_, ok := r.subscribers[sessionID]
		r.mu.RUnlock()
		return ok
	}

	if !resilience.WaitFor(hasSubscriber, r.waitAttempts, r.waitDelay, r.sleep) {
		r.logger.Warn().
			Str("session_id", sessionID).
			Int("attempts", r.waitAttempts).
			Msg("No subscriber attached within wait window")
		return ErrNoSubscriber
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// ctx belongs to the start request and dies when its response is written.
	// The stream lives until stop or unsubscribe, so it gets a lifetime of
	// its own, canceled in closeStream.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := r.adapter.OpenStream(streamCtx, sessionID, &routerReceiver{router: r, sessionID: sessionID})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open recognition stream: %w", err)
	}

	ss := &sessionStream{
		stream:  stream,
		cancel:  cancel,
		metrics: observability.NewSessionMetrics(sessionID),
		lastSeq: -1,
	}

	r.mu.Lock()
	// The subscriber may have disconnected while the stream was opening;
	// registering the stream then would leave it without an owner to cascade
	// its teardown.
	if _, ok := r.subscribers[sessionID]; !ok {
		r.mu.Unlock()
		r.closeStream(sessionID, ss)
		return ErrNoSubscriber
	}
	prev := r.streams[sessionID]
	r.streams[sessionID] = ss
	r.mu.Unlock()

	// Starting twice for the same session replaces the earlier stream
	if prev != nil {
		r.closeStream(sessionID, prev)
	}

	r.logger.Info().Str("session_id", sessionID).Str("provider", r.adapter.Name()).Msg("Recognition stream started")
	return nil
}

// WriteAudio forwards one audio chunk to the session's recognition stream.
// seq is the client's monotonic chunk sequence number, or -1 if absent; gaps
// are logged but never rejected.
func (r *Router) WriteAudio(sessionID string, audio []byte, seq int64) error {
	r.mu.RLock()
	ss := r.streams[sessionID]
	r.mu.RUnlock()

	if ss == nil {
		return ErrNoStream
	}

	if seq >= 0 {
		ss.seqMu.Lock()
		if ss.lastSeq >= 0 && seq != ss.lastSeq+1 {
			r.logger.Warn().
				Str("session_id", sessionID).
				Int64("expected", ss.lastSeq+1).
				Int64("got", seq).
				Msg("Audio chunk sequence gap")
		}
		if seq > ss.lastSeq {
			ss.lastSeq = seq
		}
		ss.seqMu.Unlock()
	}

	if err := ss.stream.Write(audio); err != nil {
		return fmt.Errorf("failed to forward audio: %w", err)
	}
	observability.RecordAudioChunk(len(audio))
	return nil
}

// Stop closes and removes the session's recognition stream. Stopping a
// session with no active stream is not an error.
func (r *Router) Stop(sessionID string) {
	r.mu.Lock()
	ss := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mu.Unlock()

	if ss != nil {
		r.closeStream(sessionID, ss)
		r.logger.Info().Str("session_id", sessionID).Msg("Recognition stream stopped")
	}
}

// Shutdown tears down every live subscriber and stream, used on process exit
func (r *Router) Shutdown() {
	r.mu.Lock()
	subs := r.subscribers
	streams := r.streams
	r.subscribers = make(map[string]Subscriber)
	r.streams = make(map[string]*sessionStream)
	r.mu.Unlock()

	for sessionID, ss := range streams {
		r.closeStream(sessionID, ss)
	}
	for _, sub := range subs {
		sub.Close()
	}
}

func (r *Router) closeStream(sessionID string, ss *sessionStream) {
	if err := ss.stream.Close(); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Error closing recognition stream")
	}
	ss.cancel()
	ss.metrics.RecordSessionEnd()
}

// routerReceiver translates adapter callbacks for one session into pushes on
// whichever subscriber is currently registered for it.
type routerReceiver struct {
	router    *Router
	sessionID string
}

func (rr *routerReceiver) OnResult(result stt.Result) {
	rr.router.mu.RLock()
	sub := rr.router.subscribers[rr.sessionID]
	rr.router.mu.RUnlock()

	if sub == nil {
		return
	}
	if err := sub.Send(Event{
		Type:       EventTranscript,
		Transcript: result.Transcript,
		IsFinal:    result.IsFinal,
	}); err != nil {
		rr.router.logger.Warn().Err(err).Str("session_id", rr.sessionID).Msg("Failed to push transcript")
		return
	}
	observability.RecordTranscriptEvent(result.IsFinal)
}

func (rr *routerReceiver) OnError(err error) {
	rr.router.logger.Error().Err(err).Str("session_id", rr.sessionID).Msg("Recognition adapter error")
	observability.RecordAdapterError(rr.router.adapter.Name())

	rr.router.mu.RLock()
	sub := rr.router.subscribers[rr.sessionID]
	rr.router.mu.RUnlock()

	if sub == nil {
		return
	}
	if sendErr := sub.Send(Event{Type: EventError, Error: err.Error()}); sendErr != nil {
		rr.router.logger.Warn().Err(sendErr).Str("session_id", rr.sessionID).Msg("Failed to push stream error")
	}
}
