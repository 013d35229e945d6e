package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/stt"
)

// batchFakeAdapter adds one-shot recognition on top of the streaming fake
type batchFakeAdapter struct {
	*fakeAdapter
	transcript string
}

func (b *batchFakeAdapter) Recognize(ctx context.Context, audio []byte) (string, error) {
	return b.transcript, nil
}

func newTestServer(t *testing.T, adapter stt.Adapter) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		AllowedOrigins: []string{"*"},
		MaxChunkBytes:  1024,
	}
	router := NewRouter(adapter, RouterConfig{
		SubscriberWaitAttempts: 5,
		SubscriberWaitDelay:    time.Millisecond,
	})
	mux := http.NewServeMux()
	NewServer(router, adapter, cfg).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// sseLine is one parsed SSE event
type sseLine struct {
	event string
	data  string
}

// openSSE subscribes to a session's event stream and returns a channel of
// parsed events. The first event is the connection acknowledgment.
func openSSE(t *testing.T, baseURL, sessionID string) (<-chan sseLine, func()) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/stream/%s", baseURL, sessionID), nil)
	if err != nil {
		t.Fatalf("Failed to build stream request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("Expected status 200 from stream endpoint, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("Expected text/event-stream content type, got %q", ct)
	}

	events := make(chan sseLine, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var current sseLine
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if current.data != "" {
					events <- current
				}
				current = sseLine{}
				continue
			}
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				current.event = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				current.data = data
			}
		}
	}()

	return events, func() { resp.Body.Close() }
}

func waitEvent(t *testing.T, events <-chan sseLine) sseLine {
	t.Helper()
	select {
	case line, ok := <-events:
		if !ok {
			t.Fatal("Event stream closed before expected event")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return sseLine{}
}

func postStatus(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	adapter := newFakeAdapter()
	srv := newTestServer(t, adapter)
	sessionID := "x1y2z3"

	events, closeStream := openSSE(t, srv.URL, sessionID)
	defer closeStream()

	ack := waitEvent(t, events)
	if ack.event != "" || ack.data != `{"connected":true}` {
		t.Fatalf("Expected connection ack as first event, got event=%q data=%q", ack.event, ack.data)
	}

	code, body := postStatus(t, fmt.Sprintf("%s/start/%s", srv.URL, sessionID))
	if code != http.StatusOK || body["status"] != "Stream started" {
		t.Fatalf("Expected 200 'Stream started', got %d %v", code, body)
	}

	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/audio/%s", srv.URL, sessionID), bytes.NewReader([]byte("chunk-0")))
	req.Header.Set("Content-Type", "audio/webm;codecs=opus")
	req.Header.Set("X-Chunk-Seq", "0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Audio POST failed: %v", err)
	}
	var audioBody map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&audioBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || audioBody["status"] != "Audio received" {
		t.Fatalf("Expected 200 'Audio received', got %d %v", resp.StatusCode, audioBody)
	}
	if got := adapter.stream(sessionID).writeCount(); got != 1 {
		t.Errorf("Expected 1 write to the recognition stream, got %d", got)
	}

	adapter.receiver(sessionID).OnResult(stt.Result{Transcript: "hello", IsFinal: true})
	transcript := waitEvent(t, events)
	if transcript.event != "transcriptionData" {
		t.Errorf("Expected transcriptionData event, got %q", transcript.event)
	}
	var payload struct {
		Transcript string `json:"transcript"`
		IsFinal    bool   `json:"isFinal"`
	}
	if err := json.Unmarshal([]byte(transcript.data), &payload); err != nil {
		t.Fatalf("Failed to decode transcript payload: %v", err)
	}
	if payload.Transcript != "hello" || !payload.IsFinal {
		t.Errorf("Expected final transcript 'hello', got %+v", payload)
	}

	code, body = postStatus(t, fmt.Sprintf("%s/stop/%s", srv.URL, sessionID))
	if code != http.StatusOK || body["status"] != "Stream stopped" {
		t.Fatalf("Expected 200 'Stream stopped', got %d %v", code, body)
	}

	// A chunk arriving after stop refers to a dead stream
	code, body = postStatus(t, fmt.Sprintf("%s/audio/%s", srv.URL, sessionID))
	if code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for stale chunk, got %d", code)
	}
	if body["error"] != "No active stream for this session. Please start a new recording." {
		t.Errorf("Unexpected stale-chunk error message: %q", body["error"])
	}
}

func TestStartWithoutSubscriberOverHTTP(t *testing.T) {
	srv := newTestServer(t, newFakeAdapter())

	code, body := postStatus(t, srv.URL+"/start/no-such-session")
	if code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", code)
	}
	if body["error"] != "No active SSE connection for this session. Please refresh and try again." {
		t.Errorf("Unexpected error message: %q", body["error"])
	}
}

func TestStartRejectsMismatchedEnvelope(t *testing.T) {
	srv := newTestServer(t, newFakeAdapter())
	sessionID := "env-test"

	events, closeStream := openSSE(t, srv.URL, sessionID)
	defer closeStream()
	waitEvent(t, events)

	envelope := `{"schema":"nlip-stream/1","sessionId":"someone-else"}`
	resp, err := http.Post(fmt.Sprintf("%s/start/%s", srv.URL, sessionID), "application/json", strings.NewReader(envelope))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for mismatched envelope, got %d", resp.StatusCode)
	}

	// A matching envelope is accepted
	envelope = fmt.Sprintf(`{"schema":"nlip-stream/1","sessionId":%q}`, sessionID)
	resp, err = http.Post(fmt.Sprintf("%s/start/%s", srv.URL, sessionID), "application/json", strings.NewReader(envelope))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for matching envelope, got %d", resp.StatusCode)
	}
}

func TestOversizedChunkRejected(t *testing.T) {
	adapter := newFakeAdapter()
	srv := newTestServer(t, adapter)
	sessionID := "big-chunk"

	events, closeStream := openSSE(t, srv.URL, sessionID)
	defer closeStream()
	waitEvent(t, events)

	if code, _ := postStatus(t, fmt.Sprintf("%s/start/%s", srv.URL, sessionID)); code != http.StatusOK {
		t.Fatalf("Start failed with status %d", code)
	}

	oversized := bytes.Repeat([]byte{0xAB}, 4096) // limit is 1024 in tests
	resp, err := http.Post(fmt.Sprintf("%s/audio/%s", srv.URL, sessionID), "audio/webm", bytes.NewReader(oversized))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized chunk, got %d", resp.StatusCode)
	}
	if got := adapter.stream(sessionID).writeCount(); got != 0 {
		t.Errorf("Oversized chunk should not reach the stream, got %d writes", got)
	}
}

func TestTranscribeUnsupportedProvider(t *testing.T) {
	srv := newTestServer(t, newFakeAdapter())

	resp, err := http.Post(srv.URL+"/api/transcribe", "multipart/form-data", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501 when provider lacks batch support, got %d", resp.StatusCode)
	}
}

func TestTranscribeBatchFile(t *testing.T) {
	adapter := &batchFakeAdapter{fakeAdapter: newFakeAdapter(), transcript: "batch result"}
	srv := newTestServer(t, adapter)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	part.Write([]byte("fake audio bytes"))
	writer.Close()

	resp, err := http.Post(srv.URL+"/api/transcribe", writer.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["transcription"] != "batch result" {
		t.Errorf("Expected transcription 'batch result', got %q", body["transcription"])
	}
}

func TestCORSHeadersApplied(t *testing.T) {
	srv := newTestServer(t, newFakeAdapter())

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/stop/any", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected origin echoed in CORS header, got %q", got)
	}
}

func TestEnvelopeParsing(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		session string
		wantErr bool
	}{
		{"empty body", "", "s1", false},
		{"whitespace body", "  \n", "s1", false},
		{"bare envelope", "{}", "s1", false},
		{"matching session", `{"schema":"nlip-stream/1","sessionId":"s1"}`, "s1", false},
		{"mismatched session", `{"sessionId":"s2"}`, "s1", true},
		{"unknown schema", `{"schema":"nlip-stream/9"}`, "s1", true},
		{"malformed json", `{"schema":`, "s1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseControlEnvelope([]byte(tt.body), tt.session)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseControlEnvelope(%q) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
		})
	}
}
