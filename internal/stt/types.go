package stt

import "context"

// Result is one recognition event: the current best guess of spoken content.
// IsFinal=false marks a provisional result subject to revision.
type Result struct {
	Transcript string
	IsFinal    bool
}

// Receiver consumes results and the terminal error of one open stream.
// Callbacks for a given stream are never invoked concurrently.
type Receiver interface {
	OnResult(result Result)
	OnError(err error)
}

// Stream is one open bidirectional recognition stream. Write forwards raw
// encoded audio bytes; Close ends the stream and releases its resources.
type Stream interface {
	Write(audio []byte) error
	Close() error
}

// Adapter opens recognition streams against a speech-to-text provider.
type Adapter interface {
	// Name identifies the provider ("google", "deepgram") for logs/metrics.
	Name() string

	// OpenStream starts a streaming recognition session. Results and errors
	// are delivered through recv until the stream is closed.
	OpenStream(ctx context.Context, sessionID string, recv Receiver) (Stream, error)
}

// BatchRecognizer is implemented by adapters that also support whole-file
// recognition for the batch transcription endpoint.
type BatchRecognizer interface {
	Recognize(ctx context.Context, audio []byte) (string, error)
}
