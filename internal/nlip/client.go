package nlip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to a remote NLIP chat endpoint. The endpoint is stateless
// request/response; all conversation memory lives with the caller.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates an NLIP client for the given endpoint URL
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
	}
}

// SendText sends a text message and returns the response content
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	resp, err := c.send(ctx, NewTextMessage(text))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// SendImage sends an image with an optional prompt and returns the response
// content. mimeType is the image's MIME type, e.g. "image/png".
func (c *Client) SendImage(ctx context.Context, prompt, base64Image, mimeType string) (string, error) {
	parts := strings.SplitN(mimeType, "/", 2)
	if len(parts) != 2 || !IsValidImageSubformat(parts[1]) {
		return "", fmt.Errorf("unsupported image format %q (use JPEG, PNG, GIF, or BMP)", mimeType)
	}

	resp, err := c.send(ctx, NewImageMessage(prompt, base64Image, strings.ToLower(parts[1])))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Client) send(ctx context.Context, msg Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat endpoint returned status %d", httpResp.StatusCode)
	}

	var response Message
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}
