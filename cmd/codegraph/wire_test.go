package main

import (
	"context"
	"testing"
	"time"

	"github.com/vsavkov/codegraph/internal/config"
	"github.com/vsavkov/codegraph/internal/llm"
)

type deadlineProbe struct {
	hadDeadline bool
	deadline    time.Time
}

func (p *deadlineProbe) Complete(ctx context.Context, _ llm.Request) (llm.Response, error) {
	p.deadline, p.hadDeadline = ctx.Deadline()
	return llm.Response{Body: "{}"}, nil
}

func TestTimeoutCompleterAppliesDeadline(t *testing.T) {
	probe := &deadlineProbe{}
	c := &timeoutCompleter{inner: probe, timeout: time.Minute}
	if _, err := c.Complete(context.Background(), llm.Request{}); err != nil {
		t.Fatal(err)
	}
	if !probe.hadDeadline {
		t.Fatal("no deadline applied")
	}
	if remaining := time.Until(probe.deadline); remaining > time.Minute || remaining < 50*time.Second {
		t.Fatalf("deadline %s off target", remaining)
	}

	probe.hadDeadline = false
	c = &timeoutCompleter{inner: probe}
	if _, err := c.Complete(context.Background(), llm.Request{}); err != nil {
		t.Fatal(err)
	}
	if probe.hadDeadline {
		t.Fatal("zero timeout must not set a deadline")
	}
}

func TestBuildCompleterRequiresKey(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKeyEnv = "CODEGRAPH_TEST_MISSING_KEY"
	if _, err := buildCompleter(cfg); err == nil {
		t.Fatal("missing key env must fail")
	}

	t.Setenv("CODEGRAPH_TEST_KEY", "sk-test")
	cfg.LLM.APIKeyEnv = "CODEGRAPH_TEST_KEY"
	if _, err := buildCompleter(cfg); err != nil {
		t.Fatal(err)
	}

	cfg.LLM.Provider = "vertex"
	if _, err := buildCompleter(cfg); err == nil {
		t.Fatal("unknown provider must fail")
	}
}
