package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// fakeCapture is a capture session fed from a pipe
type fakeCapture struct {
	reader  *io.PipeReader
	writer  *io.PipeWriter
	mu      sync.Mutex
	stopped int
}

func newFakeCapture() *fakeCapture {
	r, w := io.Pipe()
	return &fakeCapture{reader: r, writer: w}
}

func (f *fakeCapture) Read(p []byte) (int, error) { return f.reader.Read(p) }

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	f.writer.Close()
	return nil
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeSource hands out prepared capture sessions or fails
type fakeSource struct {
	capture  *fakeCapture
	startErr error
}

func (f *fakeSource) Start(ctx context.Context, cfg CaptureConfig) (CaptureSession, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.capture, nil
}

// relayStub mimics the relay's session endpoints and records what arrives
type relayStub struct {
	mu     sync.Mutex
	starts []string
	stops  []string
	chunks []struct {
		session string
		seq     string
		body    []byte
	}
	chunkArrived chan struct{}
	ackStream    bool
}

func newRelayStub() *relayStub {
	return &relayStub{chunkArrived: make(chan struct{}, 64), ackStream: true}
}

func (s *relayStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stream/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if s.ackStream {
			fmt.Fprint(w, "data: {\"connected\":true}\n\n")
		}
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /start/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.starts = append(s.starts, r.PathValue("sessionId"))
		s.mu.Unlock()
		fmt.Fprint(w, `{"status":"Stream started"}`)
	})
	mux.HandleFunc("POST /stop/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.stops = append(s.stops, r.PathValue("sessionId"))
		s.mu.Unlock()
		fmt.Fprint(w, `{"status":"Stream stopped"}`)
	})
	mux.HandleFunc("POST /audio/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.chunks = append(s.chunks, struct {
			session string
			seq     string
			body    []byte
		}{r.PathValue("sessionId"), r.Header.Get("X-Chunk-Seq"), body})
		s.mu.Unlock()
		select {
		case s.chunkArrived <- struct{}{}:
		default:
		}
		fmt.Fprint(w, `{"status":"Audio received"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (s *relayStub) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func (s *relayStub) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}

func newTestSession(relayURL string, source CaptureSource) *Session {
	return NewSession(SessionConfig{
		RelayURL:           relayURL,
		ChunkInterval:      5 * time.Millisecond,
		ChannelOpenTimeout: 2 * time.Second,
	}, source, newRecordingSink())
}

func TestSession_StartStopLifecycle(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	capture := newFakeCapture()
	session := newTestSession(srv.URL, &fakeSource{capture: capture})

	if session.Recording() {
		t.Error("New session should not be recording")
	}

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !session.Recording() {
		t.Error("Expected Recording() true after start")
	}
	if stub.startCount() != 1 {
		t.Errorf("Expected 1 start request, got %d", stub.startCount())
	}
	sessionID := session.SessionID()
	if sessionID == "" {
		t.Error("Expected a session ID after start")
	}

	// Feed audio and expect it to arrive at the relay in sequence
	capture.writer.Write([]byte("audio-data"))
	select {
	case <-stub.chunkArrived:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for audio chunk to reach the relay")
	}

	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if session.Recording() {
		t.Error("Expected Recording() false after stop")
	}
	if capture.stopCount() != 1 {
		t.Errorf("Expected capture stopped once, got %d", capture.stopCount())
	}
	if stub.stopCount() != 1 {
		t.Errorf("Expected 1 stop request, got %d", stub.stopCount())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.chunks) == 0 {
		t.Fatal("Expected at least one audio chunk")
	}
	if stub.chunks[0].seq != "0" {
		t.Errorf("Expected first chunk sequence 0, got %q", stub.chunks[0].seq)
	}
	if stub.chunks[0].session != sessionID {
		t.Errorf("Chunk posted against session %q, expected %q", stub.chunks[0].session, sessionID)
	}
}

func TestSession_DoubleStartRejected(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	session := newTestSession(srv.URL, &fakeSource{capture: newFakeCapture()})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}
	defer session.Stop(context.Background())

	if err := session.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}
}

func TestSession_StopWhenIdleIsNoOp(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	session := newTestSession(srv.URL, &fakeSource{capture: newFakeCapture()})

	if err := session.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on idle session should be a no-op, got %v", err)
	}
	if stub.stopCount() != 0 {
		t.Errorf("Idle stop should not reach the relay, got %d requests", stub.stopCount())
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	capture := newFakeCapture()
	session := newTestSession(srv.URL, &fakeSource{capture: capture})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := session.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop() should be a no-op, got %v", err)
	}

	if capture.stopCount() != 1 {
		t.Errorf("Expected capture stopped once, got %d", capture.stopCount())
	}
	if stub.stopCount() != 1 {
		t.Errorf("Expected 1 stop request, got %d", stub.stopCount())
	}
}

func TestSession_ChannelTimeoutCleansUp(t *testing.T) {
	stub := newRelayStub()
	stub.ackStream = false // relay never acknowledges the subscription
	srv := stub.server(t)
	session := NewSession(SessionConfig{
		RelayURL:           srv.URL,
		ChannelOpenTimeout: 50 * time.Millisecond,
	}, &fakeSource{capture: newFakeCapture()}, newRecordingSink())

	err := session.Start(context.Background())
	if !errors.Is(err, ErrChannelTimeout) {
		t.Fatalf("Expected ErrChannelTimeout, got %v", err)
	}
	if session.Recording() {
		t.Error("Session should not be recording after a failed start")
	}
	if stub.startCount() != 0 {
		t.Errorf("Start should not reach the relay when the channel never opens, got %d", stub.startCount())
	}
}

func TestSession_RelayUnreachable(t *testing.T) {
	session := newTestSession("http://127.0.0.1:1", &fakeSource{capture: newFakeCapture()})

	err := session.Start(context.Background())
	if !errors.Is(err, ErrChannelFailed) {
		t.Fatalf("Expected ErrChannelFailed, got %v", err)
	}
	if session.Recording() {
		t.Error("Session should not be recording after a failed start")
	}
}

func TestSession_MicFailureRetractsStream(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	source := &fakeSource{startErr: fmt.Errorf("%w: device busy", ErrMicUnavailable)}
	session := newTestSession(srv.URL, source)

	err := session.Start(context.Background())
	if !errors.Is(err, ErrMicUnavailable) {
		t.Fatalf("Expected ErrMicUnavailable, got %v", err)
	}

	// The stream was announced before the microphone failed, so it is retracted
	if stub.stopCount() != 1 {
		t.Errorf("Expected 1 stop request retracting the stream, got %d", stub.stopCount())
	}
	if session.Recording() {
		t.Error("Session should not be recording after mic failure")
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	stub := newRelayStub()
	srv := stub.server(t)
	first := newFakeCapture()
	source := &fakeSource{capture: first}
	session := newTestSession(srv.URL, source)

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}
	firstID := session.SessionID()
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	source.capture = newFakeCapture()
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Second Start() failed: %v", err)
	}
	defer session.Stop(context.Background())

	if session.SessionID() == firstID {
		t.Error("Expected a fresh session ID for the second recording")
	}
	if stub.startCount() != 2 {
		t.Errorf("Expected 2 start requests, got %d", stub.startCount())
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAlreadyRecording, "A recording is already in progress."},
		{ErrChannelTimeout, "Connecting to the transcription service timed out. Please try again."},
		{fmt.Errorf("wrapped: %w", ErrMicUnavailable), "Could not access the microphone. Check that a microphone is connected and that recording permission is granted."},
		{errors.New("anything else"), "Could not start or continue recording, please try again."},
	}

	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPump_ChunksInCaptureOrder(t *testing.T) {
	capture := &staticCapture{reader: strings.NewReader("abcdefghij")}

	var mu sync.Mutex
	var seqs []int64
	total := 0
	send := func(ctx context.Context, seq int64, chunk []byte) error {
		mu.Lock()
		seqs = append(seqs, seq)
		total += len(chunk)
		mu.Unlock()
		return nil
	}

	p := newPump(capture, time.Millisecond, send, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go p.run(ctx)
	p.wait()

	// Sends are asynchronous; give the last one a moment to land
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := total == 10
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if total != 10 {
		t.Errorf("Expected 10 bytes delivered, got %d", total)
	}
	seen := make(map[int64]bool)
	for _, seq := range seqs {
		if seq < 0 || seen[seq] {
			t.Errorf("Unexpected or duplicate sequence number %d", seq)
		}
		seen[seq] = true
	}
	for i := int64(0); i < int64(len(seqs)); i++ {
		if !seen[i] {
			t.Errorf("Missing sequence number %d", i)
		}
	}
}

// staticCapture replays a fixed byte stream then reports EOF
type staticCapture struct {
	reader io.Reader
}

func (s *staticCapture) Read(p []byte) (int, error) { return s.reader.Read(p) }
func (s *staticCapture) Stop() error                { return nil }
