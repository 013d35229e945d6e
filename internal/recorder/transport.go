package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// chunkContentType matches what a browser MediaRecorder would send
const chunkContentType = "audio/webm;codecs=opus"

// relayTransport issues the relay's control and audio requests for a session
type relayTransport struct {
	baseURL    string
	httpClient *http.Client
}

func newRelayTransport(baseURL string, httpClient *http.Client) *relayTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &relayTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (t *relayTransport) start(ctx context.Context, sessionID string) error {
	return t.control(ctx, "start", sessionID)
}

func (t *relayTransport) stop(ctx context.Context, sessionID string) error {
	return t.control(ctx, "stop", sessionID)
}

func (t *relayTransport) control(ctx context.Context, op, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/%s", t.baseURL, op, sessionID), nil)
	if err != nil {
		return err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request rejected: %s", op, readErrorDetail(resp.Body, resp.StatusCode))
	}
	return nil
}

// sendChunk posts one audio chunk. Delivery is best effort; the caller logs
// and drops on failure.
func (t *relayTransport) sendChunk(ctx context.Context, sessionID string, seq int64, chunk []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/audio/%s", t.baseURL, sessionID), bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", chunkContentType)
	req.Header.Set("X-Chunk-Seq", strconv.FormatInt(seq, 10))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chunk send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chunk rejected: %s", readErrorDetail(resp.Body, resp.StatusCode))
	}
	return nil
}

func readErrorDetail(body io.Reader, statusCode int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("status %d", statusCode)
}
