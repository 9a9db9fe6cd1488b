// Package llm provides a streaming client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mumet-go/internal/config"
)

var (
	// ErrTimeout is returned when the request exceeds the configured maximum duration.
	ErrTimeout = errors.New("llm: maximum request duration exceeded")
	// ErrTruncated is returned when the server closes the stream without an end-of-stream marker.
	ErrTruncated = errors.New("llm: stream ended without completion marker")
)

// APIError is returned when the completion API answers with a non-200 status
// or sends an error object inside the stream.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("chat api error: %s", e.Message)
	}
	return fmt.Sprintf("chat api returned status %d: %s", e.Status, e.Message)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Stream yields completion fragments in delivery order.
// Next returns io.EOF once the server signalled the end of the stream.
// Close releases the connection and may be called at any time, more than once.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Client opens streaming chat completions.
type Client interface {
	Open(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client from the config.
func NewClient(cfg config.LLMConfig) Client {
	return NewClientWithHTTP(cfg, &http.Client{})
}

// NewClientWithHTTP is NewClient with a caller supplied *http.Client.
func NewClientWithHTTP(cfg config.LLMConfig, hc *http.Client) Client {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = config.DefaultMaxDuration
	}
	return &openAIClient{cfg: cfg, client: hc}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) generation(gen *GenerationParams) *GenerationParams {
	if gen != nil {
		return gen
	}
	var gp GenerationParams
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		gp.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		gp.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		gp.MaxTokens = &m
	}
	return &gp
}

// Open sends the request and returns once the response headers arrived.
// The whole exchange, including reading the body, is bounded by cfg.MaxDuration.
func (c *openAIClient) Open(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error) {
	gp := c.generation(gen)
	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: gp.Temperature,
		TopP:        gp.TopP,
		MaxTokens:   gp.MaxTokens,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxDuration)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		if cerr := contextError(ctx, streamCtx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &sseStream{
		parent: ctx,
		ctx:    streamCtx,
		cancel: cancel,
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// contextError maps a finished context to the error the caller should see:
// the caller's own cancellation wins over our deadline.
func contextError(parent, derived context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(derived.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return nil
}

type sseStream struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
	err    error
}

func (s *sseStream) Next() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if s.err != nil {
			return "", s.err
		}

		line, readErr := s.reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			if cerr := contextError(s.parent, s.ctx); cerr != nil {
				s.err = cerr
			} else {
				s.err = fmt.Errorf("failed to read from stream: %w", readErr)
			}
			return "", s.err
		}

		content, ok, err := s.parseLine(line)
		if err != nil {
			s.err = err
			return "", err
		}
		if ok {
			return content, nil
		}
		if s.done {
			return "", io.EOF
		}
		if readErr == io.EOF {
			if cerr := contextError(s.parent, s.ctx); cerr != nil {
				s.err = cerr
			} else {
				s.err = ErrTruncated
			}
			return "", s.err
		}
	}
}

// parseLine handles one SSE line. ok reports whether a non-empty fragment was produced.
func (s *sseStream) parseLine(line string) (content string, ok bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		s.done = true
		return "", false, nil
	}

	var chunk chatResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, nil
	}
	if chunk.Error != nil {
		return "", false, &APIError{Message: chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, true, nil
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}
