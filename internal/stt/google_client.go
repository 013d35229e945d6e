package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/resilience"
)

// GoogleClient implements Adapter using Google Cloud Speech v2 streaming
// recognition. Audio arrives as browser-encoded webm/opus chunks, so the
// decoding config is auto-detected rather than explicit PCM.
type GoogleClient struct {
	projectID       string
	credentialsFile string
	location        string
	model           string
	language        string
	retry           *resilience.RetryConfig
	reconnect       *resilience.ReconnectConfig
}

// NewGoogleClient creates a Cloud Speech adapter from service config
func NewGoogleClient(cfg *config.Config) *GoogleClient {
	return &GoogleClient{
		projectID:       cfg.GoogleProjectID,
		credentialsFile: cfg.GoogleCredentialsFile,
		location:        strings.TrimSpace(cfg.GoogleLocation),
		model:           cfg.GoogleModel,
		language:        cfg.Language,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        resilience.DefaultRetryConfig().MaxBackoff,
			BackoffMultiplier: 2.0,
		},
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  resilience.DefaultReconnectConfig().MaxBackoff,
		},
	}
}

// Name identifies the provider
func (g *GoogleClient) Name() string { return "google" }

func (g *GoogleClient) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if g.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
	}
	if g.location != "" && g.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", g.location)))
	}
	return opts
}

func (g *GoogleClient) recognizerPath() string {
	location := g.location
	if location == "" {
		location = "global"
	}
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", g.projectID, location)
}

func (g *GoogleClient) recognitionConfig() *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Model:         g.model,
		LanguageCodes: []string{g.language},
		// webm/opus from the capture pipeline; let the service sniff the container
		DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		},
		Features: &speechpb.RecognitionFeatures{
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
	}
}

// OpenStream starts a streaming recognition session
func (g *GoogleClient) OpenStream(ctx context.Context, sessionID string, recv Receiver) (Stream, error) {
	logger := observability.WithSession(sessionID)

	client, err := speech.NewClient(ctx, g.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	sendConfig := func(s speechpb.Speech_StreamingRecognizeClient) error {
		return s.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: g.recognizerPath(),
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: g.recognitionConfig(),
					StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
						InterimResults: true,
					},
				},
			},
		})
	}

	openStream := func() (speechpb.Speech_StreamingRecognizeClient, error) {
		s, err := client.StreamingRecognize(ctx)
		if err != nil {
			return nil, err
		}
		if err := sendConfig(s); err != nil {
			_ = s.CloseSend()
			return nil, err
		}
		return s, nil
	}

	var stream speechpb.Speech_StreamingRecognizeClient
	err = resilience.Retry(func() error {
		var openErr error
		stream, openErr = openStream()
		return openErr
	}, g.retry, func(err error) bool {
		// Bad credentials or project config will not heal between attempts
		st, ok := status.FromError(err)
		return !ok || (st.Code() != codes.PermissionDenied && st.Code() != codes.InvalidArgument)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open recognition stream: %w", err)
	}

	logger.Debug().Str("model", g.model).Str("language", g.language).Msg("Cloud Speech stream opened")

	gs := &googleStream{
		ctx:       ctx,
		logger:    logger,
		stream:    stream,
		recv:      recv,
		newStream: openStream,
		closeFn:   client.Close,
		reconnect: g.reconnect,
	}
	gs.startReceiver(stream)

	return gs, nil
}

// Recognize performs batch recognition of a complete audio file
func (g *GoogleClient) Recognize(ctx context.Context, audio []byte) (string, error) {
	client, err := speech.NewClient(ctx, g.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("failed to create speech client: %w", err)
	}
	defer client.Close()

	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Recognizer: g.recognizerPath(),
		Config:     g.recognitionConfig(),
		AudioSource: &speechpb.RecognizeRequest_Content{
			Content: audio,
		},
	})
	if err != nil {
		return "", fmt.Errorf("batch recognition failed: %w", err)
	}

	var parts []string
	for _, result := range resp.GetResults() {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		if t := result.GetAlternatives()[0].GetTranscript(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), nil
}

type googleStream struct {
	ctx    context.Context
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	stream    speechpb.Speech_StreamingRecognizeClient
	recv      Receiver
	newStream func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn   func() error
	reconnect *resilience.ReconnectConfig
}

// Write forwards one audio chunk to the recognition stream
func (s *googleStream) Write(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: audio,
		},
	}
	if err := s.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		if err := s.reconnectLocked(); err != nil {
			return fmt.Errorf("failed to reconnect recognition stream: %w", err)
		}
		return s.stream.Send(req)
	}
	return nil
}

// Close ends the recognition stream and releases the underlying client
func (s *googleStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stream.CloseSend(); err != nil {
		_ = s.closeFn()
		return err
	}
	return s.closeFn()
}

// reconnectLocked replaces the stream after a recoverable abort (the service
// caps a single stream at 5 minutes). Callers must hold s.mu.
func (s *googleStream) reconnectLocked() error {
	s.logger.Warn().Msg("Recognition stream aborted, reconnecting")
	_ = s.stream.CloseSend()

	var next speechpb.Speech_StreamingRecognizeClient
	err := resilience.Reconnect(s.ctx, func() error {
		var openErr error
		next, openErr = s.newStream()
		return openErr
	}, s.reconnect)
	if err != nil {
		return err
	}

	s.stream = next
	s.startReceiver(next)
	return nil
}

func (s *googleStream) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF || strings.Contains(err.Error(), "context canceled") {
					return
				}
				if isReconnectableStreamError(err) {
					// The writer side reconnects on the next chunk
					return
				}
				s.recv.OnError(err)
				return
			}
			for _, result := range resp.GetResults() {
				if len(result.GetAlternatives()) == 0 {
					continue
				}
				s.recv.OnResult(Result{
					Transcript: result.GetAlternatives()[0].GetTranscript(),
					IsFinal:    result.GetIsFinal(),
				})
			}
		}
	}()
}

func isReconnectableStreamError(err error) bool {
	if err == io.EOF || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
