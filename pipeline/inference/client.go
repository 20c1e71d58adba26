package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultModel   = "meta/llama3-8b-instruct"

	chatCompletionsPath = "/v1/chat/completions"
	maxErrorBody        = 4096
)

// APIError is returned when the inference endpoint answers with a non-2xx status
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Message is a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

// StreamResult is the outcome of a streamed completion
type StreamResult struct {
	Text             string
	CompletionTokens int
}

// Streamer produces a completion incrementally, calling onDelta per text chunk
type Streamer interface {
	Stream(ctx context.Context, user, system string, onDelta func(string)) (StreamResult, error)
}

// Client talks to an NVIDIA NIM (OpenAI-compatible) chat completions endpoint
type Client struct {
	baseURL     string
	model       string
	apiKey      string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	log         logrus.FieldLogger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithAPIKey sends the key as a bearer token
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds every request, including streamed ones
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxTokens caps the completion length
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) ClientOption {
	return func(c *Client) { c.temperature = t }
}

// WithClientLogger sets the client logger
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log.WithField("component", "nim-client") }
}

// NewClient creates a client for baseURL and model; empty values use the defaults
func NewClient(baseURL, model string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   512,
		temperature: 0.2,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		log:         logrus.StandardLogger().WithField("component", "nim-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name sent with every request
func (c *Client) Model() string { return c.model }

// BaseURL returns the endpoint base URL
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) messages(user, system string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: user})
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return resp, nil
}

// Ask sends a single non-streaming completion and returns the assistant text
func (c *Client) Ask(ctx context.Context, user, system string) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, chatRequest{
		Model:       c.model,
		Messages:    c.messages(user, system),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}

	fields := logrus.Fields{"model": c.model, "duration": time.Since(start)}
	if out.Usage != nil {
		fields["completion_tokens"] = out.Usage.CompletionTokens
	}
	c.log.WithFields(fields).Debug("Completion received")

	return out.Choices[0].Message.Content, nil
}

// Stream sends a streaming completion and reads the server-sent events until
// [DONE]. When the server reports no usage, each non-empty delta counts as one
// token.
func (c *Client) Stream(ctx context.Context, user, system string, onDelta func(string)) (StreamResult, error) {
	resp, err := c.post(ctx, chatRequest{
		Model:         c.model,
		Messages:      c.messages(user, system),
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return StreamResult{}, err
	}
	defer resp.Body.Close()

	var (
		text      strings.Builder
		deltas    int
		usageSeen *usage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return StreamResult{}, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			usageSeen = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			deltas++
			text.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return StreamResult{}, fmt.Errorf("failed to read stream: %w", err)
	}

	result := StreamResult{Text: text.String(), CompletionTokens: deltas}
	if usageSeen != nil && usageSeen.CompletionTokens > 0 {
		result.CompletionTokens = usageSeen.CompletionTokens
	}
	return result, nil
}
