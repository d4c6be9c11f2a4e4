package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestOpenAIClient_Respond_SendsHistory(t *testing.T) {
	t.Parallel()

	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(completion("We will pray for you.")))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", Model: "test-model", BaseURL: srv.URL})
	out, err := c.Respond(context.Background(), "please pray for my mother", []ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if out != "We will pray for you." {
		t.Fatalf("unexpected reply %q", out)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("unexpected Authorization %q", auth)
	}
	if got.Model != "test-model" {
		t.Fatalf("unexpected model %q", got.Model)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || got.Messages[3].Content != "please pray for my mother" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenAIClient_DetectLanguage_Normalizes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion("  ES\n")))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	lang, err := c.DetectLanguage(context.Background(), "hola")
	if err != nil {
		t.Fatalf("DetectLanguage() error: %v", err)
	}
	if lang != "es" {
		t.Fatalf("expected %q, got %q", "es", lang)
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	if _, err := c.Summarize(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}); err == nil {
		t.Fatalf("expected error on 429")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer empty.Close()
	c = NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: empty.URL})
	if _, err := c.Respond(context.Background(), "x", nil); err == nil {
		t.Fatalf("expected error on empty completion")
	}
}

func TestOpenAIClient_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient(OpenAIConfig{})
	_, err := c.Respond(context.Background(), "x", nil)
	if !errors.Is(err, ErrLLMDisabled) {
		t.Fatalf("expected ErrLLMDisabled, got %v", err)
	}
}
