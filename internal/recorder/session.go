package recorder

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/observability"
)

// DefaultChannelOpenTimeout bounds how long Start waits for the relay's
// connection acknowledgment before giving up.
const DefaultChannelOpenTimeout = 5 * time.Second

type sessionState int

const (
	stateIdle sessionState = iota
	stateConnecting
	stateActive
	stateStopping
	stateClosed
)

// SessionConfig configures a recording session manager
type SessionConfig struct {
	RelayURL           string
	Capture            CaptureConfig
	ChunkInterval      time.Duration
	ChannelOpenTimeout time.Duration
	HTTPClient         *http.Client
}

// Session drives one recording at a time against the relay. Each Start
// generates a fresh session ID, opens an event channel, announces the stream,
// and pumps microphone audio until Stop. A stream error from the relay stops
// the recording as well.
type Session struct {
	cfg    SessionConfig
	source CaptureSource
	sink   UpdateSink
	logger zerolog.Logger

	mu        sync.Mutex
	state     sessionState
	sessionID string
	channel   *EventChannel
	capture   CaptureSession
	pump      *pump
	pumpStop  context.CancelFunc
}

// NewSession creates an idle session manager. Transcript updates and stream
// errors are delivered to sink.
func NewSession(cfg SessionConfig, source CaptureSource, sink UpdateSink) *Session {
	if cfg.ChannelOpenTimeout <= 0 {
		cfg.ChannelOpenTimeout = DefaultChannelOpenTimeout
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	return &Session{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: observability.GetLogger(),
	}
}

// Recording reports whether a recording is currently in progress
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnecting || s.state == stateActive
}

// SessionID returns the ID of the current or most recent recording
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start begins a new recording. It opens the event channel, waits for the
// relay's acknowledgment, announces the stream, then starts microphone
// capture. Any setup failure tears down whatever was established and returns
// a typed error; UserMessage translates it for display.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateConnecting || s.state == stateActive {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	sessionID := uuid.New().String()
	s.state = stateConnecting
	s.sessionID = sessionID
	s.mu.Unlock()

	logger := observability.WithSession(sessionID)
	logger.Info().Msg("Starting recording session")

	transport := newRelayTransport(s.cfg.RelayURL, s.cfg.HTTPClient)
	channel := NewEventChannel(s.cfg.RelayURL, sessionID, s.cfg.HTTPClient, &stoppingSink{session: s, inner: s.sink})

	fail := func(err error) error {
		channel.Close()
		s.mu.Lock()
		s.state = stateClosed
		s.channel = nil
		s.capture = nil
		s.pump = nil
		s.pumpStop = nil
		s.mu.Unlock()
		logger.Warn().Err(err).Msg("Recording setup failed")
		return err
	}

	if err := channel.Open(ctx); err != nil {
		return fail(err)
	}
	if err := channel.WaitOpen(s.cfg.ChannelOpenTimeout); err != nil {
		return fail(err)
	}

	if err := transport.start(ctx, sessionID); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrChannelFailed, err))
	}

	capture, err := s.source.Start(ctx, s.cfg.Capture)
	if err != nil {
		// Best effort: the relay stream was announced, so retract it
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = transport.stop(stopCtx, sessionID)
		cancel()
		return fail(err)
	}

	pumpCtx, pumpStop := context.WithCancel(context.Background())
	p := newPump(capture, s.cfg.ChunkInterval, func(ctx context.Context, seq int64, chunk []byte) error {
		return transport.sendChunk(ctx, sessionID, seq, chunk)
	}, logger)
	go p.run(pumpCtx)

	s.mu.Lock()
	s.state = stateActive
	s.channel = channel
	s.capture = capture
	s.pump = p
	s.pumpStop = pumpStop
	s.mu.Unlock()

	logger.Info().Msg("Recording started")
	return nil
}

// Stop ends the current recording. The microphone is released synchronously
// before the relay is told to stop, so a follow-up Start never races the
// device. Safe to call when idle or after a failed Start.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateActive && s.state != stateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	sessionID := s.sessionID
	channel := s.channel
	capture := s.capture
	p := s.pump
	pumpStop := s.pumpStop
	s.channel = nil
	s.capture = nil
	s.pump = nil
	s.pumpStop = nil
	s.mu.Unlock()

	logger := observability.WithSession(sessionID)
	logger.Info().Msg("Stopping recording session")

	var captureErr error
	if capture != nil {
		captureErr = capture.Stop()
	}
	// Capture EOF ends the pump; waiting before cancelling lets the final
	// partial chunk go out.
	if p != nil {
		p.wait()
	}
	if pumpStop != nil {
		pumpStop()
	}

	if sessionID != "" {
		transport := newRelayTransport(s.cfg.RelayURL, s.cfg.HTTPClient)
		if err := transport.stop(ctx, sessionID); err != nil {
			logger.Warn().Err(err).Msg("Stop request to relay failed")
		}
	}
	if channel != nil {
		channel.Close()
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	if captureErr != nil {
		logger.Warn().Err(captureErr).Msg("Capture did not stop cleanly")
		return captureErr
	}
	logger.Info().Msg("Recording stopped")
	return nil
}

// stoppingSink forwards updates and additionally stops the session when the
// relay reports a stream error, so the microphone is not left running against
// a dead stream.
type stoppingSink struct {
	session *Session
	inner   UpdateSink
}

func (w *stoppingSink) TranscriptUpdate(transcript string, isFinal bool) {
	w.inner.TranscriptUpdate(transcript, isFinal)
}

func (w *stoppingSink) StreamError(message string) {
	w.inner.StreamError(message)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.session.Stop(ctx)
	}()
}
