package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we customize.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

// Message forwards transcription messages to the session's receiver
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error forwards stream errors to the session's receiver
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Adapter using Deepgram's live websocket API
type DeepgramClient struct {
	apiKey   string
	model    string
	language string

	cbMaxFailures  int
	cbResetTimeout time.Duration
}

// NewDeepgramClient creates a Deepgram streaming adapter from service config
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	return &DeepgramClient{
		apiKey:         cfg.DeepgramAPIKey,
		model:          cfg.DeepgramModel,
		language:       cfg.Language,
		cbMaxFailures:  cfg.CircuitBreakerMaxFailures,
		cbResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}
}

// Name identifies the provider
func (d *DeepgramClient) Name() string { return "deepgram" }

// OpenStream starts a live transcription session
func (d *DeepgramClient) OpenStream(ctx context.Context, sessionID string, recv Receiver) (Stream, error) {
	logger := observability.WithSession(sessionID)

	// Audio arrives as containerized webm/opus, so no explicit encoding or
	// sample rate: Deepgram sniffs the container header.
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		InterimResults: true,
	}

	ds := &deepgramStream{
		logger: logger,
		recv:   recv,
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			d.cbMaxFailures,
			d.cbResetTimeout,
		),
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                ds.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			logger.Error().Str("response", fmt.Sprintf("%+v", errorResponse)).Msg("Deepgram stream error")
			recv.OnError(fmt.Errorf("deepgram stream error: %+v", errorResponse))
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		ctx,
		d.apiKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	ds.client = client
	logger.Debug().Str("model", d.model).Str("language", d.language).Msg("Deepgram stream opened")
	return ds, nil
}

type deepgramStream struct {
	logger  zerolog.Logger
	recv    Receiver
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	closed bool
	client *listenClient.WSCallback
}

// handleMessage translates Deepgram messages into receiver results
func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		transcript := msg.Channel.Alternatives[0].Transcript
		if transcript == "" {
			return
		}
		s.recv.OnResult(Result{
			Transcript: transcript,
			IsFinal:    msg.IsFinal,
		})

	case "Metadata", "SpeechStarted", "UtteranceEnd":
		// Informational, nothing to forward

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unhandled Deepgram message type")
	}
}

// Write forwards one audio chunk to Deepgram
func (s *deepgramStream) Write(audio []byte) error {
	err := s.breaker.Call(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.client == nil {
			return fmt.Errorf("deepgram stream is not active")
		}
		if _, err := s.client.Write(audio); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
	}
	observability.UpdateCircuitBreakerState("deepgram", int(s.breaker.GetState()))
	return err
}

// Close finishes the live transcription session
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Finish()
	return nil
}
