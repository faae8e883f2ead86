package chat

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

// OpenAICompatProvider speaks the openai chat-completions wire format, which
// most hosted and self-hosted providers accept.
type OpenAICompatProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAICompatProvider creates a provider against the given base URL.
func NewOpenAICompatProvider(apiKey, baseURL string, timeout time.Duration) *OpenAICompatProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompatProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat performs one chat-completions call.
func (p *OpenAICompatProvider) Chat(ctx context.Context, req Request) (Result, error) {
	encoded, err := json.Marshal(completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read chat response: %w", err)
	}
	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode chat response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return Result{}, fmt.Errorf("chat provider status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return Result{}, fmt.Errorf("chat provider status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("chat provider returned no choices")
	}
	choice := decoded.Choices[0]
	return Result{
		Message:      choice.Message,
		Model:        decoded.Model,
		FinishReason: choice.FinishReason,
		Usage:        decoded.Usage,
	}, nil
}
