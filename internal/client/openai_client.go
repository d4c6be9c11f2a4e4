package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrLLMDisabled = errors.New("llm: no api key configured")

const systemPrompt = `You are a friendly and helpful assistant for a church community.
Answer questions about services, events and activities, take prayer requests and
messages, and be respectful, compassionate and supportive. Reply in the language
the member writes in. Keep responses concise. If you don't know something, offer
to take a message.`

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4-turbo-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &OpenAIClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Respond answers prompt in the context of history. Extra system messages
// may be carried in history.
func (c *OpenAIClient) Respond(ctx context.Context, prompt string, history []ChatMessage) (string, error) {
	msgs := make([]ChatMessage, 0, len(history)+2)
	msgs = append(msgs, ChatMessage{Role: "system", Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, ChatMessage{Role: "user", Content: prompt})
	return c.chat(ctx, msgs, 0.7, 200)
}

// DetectLanguage returns a lower-cased language code such as "en" or "es".
func (c *OpenAIClient) DetectLanguage(ctx context.Context, text string) (string, error) {
	out, err := c.chat(ctx, []ChatMessage{
		{
			Role: "system",
			Content: "Detect the language of the following text. Respond with only the ISO 639-1 " +
				"language code, for example 'en', 'bn', 'hi' or 'es', or 'other'.",
		},
		{Role: "user", Content: text},
	}, 0, 10)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out)), nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, history []ChatMessage) (string, error) {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return c.chat(ctx, []ChatMessage{
		{
			Role:    "system",
			Content: "Summarize this conversation in 2-3 sentences, highlighting key points, requests, or information shared.",
		},
		{Role: "user", Content: b.String()},
	}, 0.5, 150)
}

func (c *OpenAIClient) chat(ctx context.Context, msgs []ChatMessage, temperature float64, maxTokens int) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrLLMDisabled
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if cr.Error != nil {
		return "", fmt.Errorf("llm error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion body=%q", string(body))
	}
	return cr.Choices[0].Message.Content, nil
}
