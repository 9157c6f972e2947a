package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModelID = "gpt-4o-mini"
)

// ProviderError carries the HTTP-level classification of a failed provider
// call. Transient errors (rate limits, 5xx, timeouts) are retry candidates;
// everything else is terminal.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("generation: provider status %d: %s", e.StatusCode, e.Message)
	}
	return "generation: provider error: " + e.Message
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func classifyStatus(status int, message string) *ProviderError {
	transient := status == http.StatusTooManyRequests || status >= 500
	return &ProviderError{StatusCode: status, Message: message, Transient: transient}
}

// ChatClient wraps the HTTP calls to an OpenAI-compatible chat completions
// API. The target model is chosen per call, which is what comparison mode
// relies on.
type ChatClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

// NewChatClientFromEnv constructs a ChatClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_MODEL_ID: optional override for the default model (defaults to defaultModelID)
func NewChatClientFromEnv() (*ChatClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("generation: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("generation: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	// No overall timeout: a streamed generation runs for an unbounded
	// window and is cancelled through the request context instead.
	httpClient := &http.Client{}

	return &ChatClient{
		httpClient:   httpClient,
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: modelID,
	}, nil
}

// DefaultModel returns the model used when a request names none.
func (c *ChatClient) DefaultModel() string {
	if c == nil {
		return defaultModelID
	}
	return c.defaultModel
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Stream   bool                    `json:"stream"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// StreamDelta is one increment of a streamed generation. Reasoning deltas
// arrive independently of content deltas for models with a visible thinking
// phase.
type StreamDelta struct {
	Content       string
	Reasoning     string
	FullContent   string
	FullReasoning string
	FinishReason  string
	Done          bool
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CachedTokens     int
	TotalTokens      int
}

// ChatResult represents the content and usage of a finished generation.
type ChatResult struct {
	Content   string
	Reasoning string
	Usage     *ChatUsage
}

func (c *ChatClient) buildPayload(model string, messages []ChatMessage, stream bool) (*chatCompletionRequest, error) {
	if strings.TrimSpace(model) == "" {
		model = c.defaultModel
	}

	payload := &chatCompletionRequest{
		Model:    model,
		Stream:   stream,
		Messages: make([]chatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, chatCompletionMessage{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return nil, errors.New("generation: messages contain no content")
	}
	return payload, nil
}

func (c *ChatClient) newRequest(ctx context.Context, payload *chatCompletionRequest, stream bool) (*http.Request, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("generation: encode request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// Chat sends the provided messages without streaming and returns the first
// choice with usage metrics.
func (c *ChatClient) Chat(ctx context.Context, model string, messages []ChatMessage) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("generation: client is nil")
	}
	if len(messages) == 0 {
		return ChatResult{}, errors.New("generation: messages cannot be empty")
	}

	payload, err := c.buildPayload(model, messages, false)
	if err != nil {
		return ChatResult{}, err
	}

	req, err := c.newRequest(ctx, payload, false)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("generation: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, classifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResult{}, fmt.Errorf("generation: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("generation: response contains no choices")
	}

	choice := decoded.Choices[0]
	return ChatResult{
		Content:   strings.TrimSpace(choice.Message.Content),
		Reasoning: strings.TrimSpace(choice.Message.ReasoningContent),
		Usage:     convertUsage(decoded.Usage),
	}, nil
}

// ChatStream sends the provided messages with streaming enabled and invokes
// handler for each delta. The stream is cancelled through ctx; handler
// errors abort the stream and are returned as-is.
func (c *ChatClient) ChatStream(ctx context.Context, model string, messages []ChatMessage, handler func(StreamDelta) error) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("generation: client is nil")
	}
	if len(messages) == 0 {
		return ChatResult{}, errors.New("generation: messages cannot be empty")
	}

	payload, err := c.buildPayload(model, messages, true)
	if err != nil {
		return ChatResult{}, err
	}

	req, err := c.newRequest(ctx, payload, true)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("generation: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, classifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	flushDelta := func(delta StreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	// Some gateways answer a stream request with a plain JSON body.
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return ChatResult{}, fmt.Errorf("generation: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return ChatResult{}, errors.New("generation: response contains no choices")
		}
		choice := decoded.Choices[0]
		content := strings.TrimSpace(choice.Message.Content)
		reasoning := strings.TrimSpace(choice.Message.ReasoningContent)
		if content != "" || reasoning != "" {
			if err := flushDelta(StreamDelta{
				Content:       content,
				Reasoning:     reasoning,
				FullContent:   content,
				FullReasoning: reasoning,
			}); err != nil {
				return ChatResult{}, err
			}
		}
		if err := flushDelta(StreamDelta{FullContent: content, FullReasoning: reasoning, Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{Content: content, Reasoning: reasoning, Usage: convertUsage(decoded.Usage)}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var content strings.Builder
	var reasoning strings.Builder
	var usage *chatCompletionUsage

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := flushDelta(StreamDelta{FullContent: content.String(), FullReasoning: reasoning.String(), Done: true}); err != nil {
				return ChatResult{}, err
			}
			return ChatResult{
				Content:   content.String(),
				Reasoning: reasoning.String(),
				Usage:     convertUsage(usage),
			}, nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaContent := choice.Delta.Content
			deltaReasoning := choice.Delta.ReasoningContent
			if deltaContent == "" && deltaReasoning == "" && choice.FinishReason == "" {
				continue
			}
			content.WriteString(deltaContent)
			reasoning.WriteString(deltaReasoning)
			if err := flushDelta(StreamDelta{
				Content:       deltaContent,
				Reasoning:     deltaReasoning,
				FullContent:   content.String(),
				FullReasoning: reasoning.String(),
				FinishReason:  choice.FinishReason,
			}); err != nil {
				return ChatResult{}, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("generation: read stream: %w", err)
	}

	if err := flushDelta(StreamDelta{FullContent: content.String(), FullReasoning: reasoning.String(), Done: true}); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Usage:     convertUsage(usage),
	}, nil
}

func convertUsage(raw *chatCompletionUsage) *ChatUsage {
	if raw == nil {
		return nil
	}
	usage := &ChatUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
	if raw.PromptTokensDetails != nil {
		usage.CachedTokens = raw.PromptTokensDetails.CachedTokens
	}
	if raw.CompletionTokensDetails != nil {
		usage.ReasoningTokens = raw.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}
