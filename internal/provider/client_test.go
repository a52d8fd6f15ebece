package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
	}`, content)
}

func TestComplete(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, completionBody("hello from the model"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	completion, err := client.Complete(context.Background(), "openai/gpt-4o",
		[]ChatMessage{{Role: "user", Content: "hi"}}, CompletionParams{}, 5*time.Second)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if completion.Content != "hello from the model" {
		t.Errorf("content = %q", completion.Content)
	}
	if completion.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", completion.FinishReason)
	}
	if completion.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", completion.Usage.TotalTokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["model"] != "openai/gpt-4o" {
		t.Errorf("request model = %v", gotBody["model"])
	}
}

func TestComplete_ClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		status   int
		category ErrorCategory
	}{
		{429, ErrorCategoryTransient},
		{503, ErrorCategoryTransient},
		{401, ErrorCategoryPermanent},
		{404, ErrorCategoryPermanent},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			fmt.Fprint(w, `{"error": "nope"}`)
		}))

		client := NewClient(server.URL, "k")
		_, err := client.Complete(context.Background(), "m", []ChatMessage{{Role: "user", Content: "x"}}, CompletionParams{}, 5*time.Second)
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		provErr, ok := err.(*Error)
		if !ok {
			t.Fatalf("status %d: error type %T", tt.status, err)
		}
		if provErr.Category != tt.category {
			t.Errorf("status %d: category = %v, want %v", tt.status, provErr.Category, tt.category)
		}
	}
}

func TestComplete_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, completionBody("late"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k")
	_, err := client.Complete(context.Background(), "m", []ChatMessage{{Role: "user", Content: "x"}}, CompletionParams{}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	provErr, ok := err.(*Error)
	if !ok || !provErr.IsTransient() {
		t.Errorf("timeout error = %v, want transient", err)
	}
}

func TestCompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":3}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "k")
	deltas, err := client.CompleteStream(context.Background(), "m",
		[]ChatMessage{{Role: "user", Content: "x"}}, CompletionParams{}, 5*time.Second)
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}

	var content strings.Builder
	var finishReason string
	var totalTokens int
	for d := range deltas {
		if d.Err != nil {
			t.Fatalf("stream delta error = %v", d.Err)
		}
		content.WriteString(d.Content)
		if d.FinishReason != "" {
			finishReason = d.FinishReason
		}
		if d.Usage != nil {
			totalTokens = d.Usage.TotalTokens
		}
	}

	if content.String() != "Hello" {
		t.Errorf("streamed content = %q, want Hello", content.String())
	}
	if finishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", finishReason)
	}
	if totalTokens != 3 {
		t.Errorf("usage total = %d, want 3", totalTokens)
	}
}

func TestProbeLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("Ready"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k")
	latency, err := client.ProbeLatency(context.Background(), "m")
	if err != nil {
		t.Fatalf("ProbeLatency() error = %v", err)
	}
	if latency < 0 {
		t.Errorf("latency = %d, want >= 0", latency)
	}
}
