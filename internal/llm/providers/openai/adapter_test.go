package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vsavkov/codegraph/internal/llm"
)

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"filePath":"/r/a.js","entities":[],"relationships":[]}`}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL)
	resp, err := a.Complete(context.Background(), llm.Request{
		Model:  "gpt-4o",
		System: "You extract entities.",
		User:   "analyze this",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Fatalf("messages: %+v", gotBody.Messages)
	}
	if resp.Body == "" || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("response: %+v", resp)
	}
}

func TestCompleteRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "gpt-4o", User: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !llm.IsRateLimited(err) {
		t.Fatalf("expected rate-limit classification, got %T: %v", err, err)
	}
	if llm.ClassifyError(err) != llm.ClassRateLimit {
		t.Fatal("classify should map to rate-limit backoff")
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "gpt-4o", User: "x"})
	if !llm.IsRetryable(err) {
		t.Fatalf("502 should be retryable: %v", err)
	}
}

func TestCompleteNetworkError(t *testing.T) {
	a := New("sk-test", "http://127.0.0.1:1") // nothing listens here
	_, err := a.Complete(context.Background(), llm.Request{Model: "gpt-4o", User: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !llm.IsTimeout(err) {
		t.Fatalf("expected network classification, got %v", err)
	}
}
