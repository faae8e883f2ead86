// Package embeddings computes query embedding vectors through an
// openai-compatible embeddings endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Client is an openai-compatible embeddings HTTP client.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient creates an embeddings client against the given base URL.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed computes the embedding for one text input.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	encoded, err := json.Marshal(embedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	var decoded embedResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode embed response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return nil, fmt.Errorf("embed provider status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return nil, fmt.Errorf("embed provider status %d", resp.StatusCode)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("embed provider returned no data")
	}
	return decoded.Data[0].Embedding, nil
}
