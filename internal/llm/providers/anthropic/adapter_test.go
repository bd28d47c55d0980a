package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vsavkov/codegraph/internal/llm"
)

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak-test" {
			t.Errorf("api key header: %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["max_tokens"] == nil {
			t.Error("max_tokens must always be sent")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": `{"filePath":"/r/a.js",`},
				{"type": "text", "text": `"entities":[],"relationships":[]}`},
			},
			"usage": map[string]any{"input_tokens": 5, "output_tokens": 9},
		})
	}))
	defer srv.Close()

	a := New("ak-test", srv.URL)
	resp, err := a.Complete(context.Background(), llm.Request{Model: "claude-sonnet-4-5", User: "analyze"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	want := `{"filePath":"/r/a.js","entities":[],"relationships":[]}`
	if resp.Body != want {
		t.Fatalf("text blocks not concatenated: %q", resp.Body)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 9 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestCompleteOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	a := New("ak-test", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "claude-sonnet-4-5", User: "x"})
	if !llm.IsRetryable(err) {
		t.Fatalf("503 should be retryable: %v", err)
	}
}
