package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vsavkov/codegraph/internal/config"
	"github.com/vsavkov/codegraph/internal/engine"
	"github.com/vsavkov/codegraph/internal/graphdb"
	"github.com/vsavkov/codegraph/internal/llm"
	"github.com/vsavkov/codegraph/internal/llm/providers/anthropic"
	"github.com/vsavkov/codegraph/internal/llm/providers/openai"
	"github.com/vsavkov/codegraph/internal/store"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildEngine opens the store, connects the graph, and wires the configured
// LLM provider. The returned cleanup closes both connections.
func buildEngine(ctx context.Context, cfg *config.Config, out io.Writer) (*engine.Engine, func(), error) {
	st, err := store.Open(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMS)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	logger := log.New(out, "[codegraph] ", log.LstdFlags)
	graph, err := graphdb.Connect(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username,
		os.Getenv(cfg.Neo4j.PasswordEnv), cfg.Neo4j.Database, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("connect graph: %w", err)
	}

	completer, err := buildCompleter(cfg)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = graph.Close(closeCtx)
		_ = st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = graph.Close(closeCtx)
		_ = st.Close()
	}
	return engine.New(cfg, st, graph, completer, out), cleanup, nil
}

func buildCompleter(cfg *config.Config) (llm.Completer, error) {
	client := llm.NewClient()
	switch cfg.LLM.Provider {
	case "openai":
		adapter, err := openaiAdapter(cfg)
		if err != nil {
			return nil, err
		}
		client.Register(adapter)
	case "anthropic":
		adapter, err := anthropicAdapter(cfg)
		if err != nil {
			return nil, err
		}
		client.Register(adapter)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.LLM.Provider)
	}
	client.SetDefaultProvider(cfg.LLM.Provider)

	timeout := time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond
	return &timeoutCompleter{inner: client, timeout: timeout}, nil
}

func openaiAdapter(cfg *config.Config) (llm.ProviderAdapter, error) {
	if cfg.LLM.APIKeyEnv != "" {
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s is required", cfg.LLM.APIKeyEnv)
		}
		return openai.New(key, cfg.LLM.BaseURL), nil
	}
	return openai.NewFromEnv()
}

func anthropicAdapter(cfg *config.Config) (llm.ProviderAdapter, error) {
	if cfg.LLM.APIKeyEnv != "" {
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s is required", cfg.LLM.APIKeyEnv)
		}
		return anthropic.New(key, cfg.LLM.BaseURL), nil
	}
	return anthropic.NewFromEnv()
}

// timeoutCompleter bounds each completion call; the adapters themselves run
// without client-level timeouts and rely on the request context.
type timeoutCompleter struct {
	inner   llm.Completer
	timeout time.Duration
}

func (t *timeoutCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.inner.Complete(ctx, req)
}

// reconcileOnce runs the mark/sweep pass standalone, without a full pipeline
// run.
func reconcileOnce(ctx context.Context, cfg *config.Config) (marked, swept int, err error) {
	st, err := store.Open(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMS)
	if err != nil {
		return 0, 0, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	logger := log.New(os.Stderr, "[codegraph] ", log.LstdFlags)
	graph, err := graphdb.Connect(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username,
		os.Getenv(cfg.Neo4j.PasswordEnv), cfg.Neo4j.Database, logger)
	if err != nil {
		return 0, 0, fmt.Errorf("connect graph: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = graph.Close(closeCtx)
	}()

	rec := graphdb.NewReconciler(graph, st, logger)
	marked, err = rec.Mark(ctx)
	if err != nil {
		return marked, 0, err
	}
	swept, err = rec.Sweep(ctx)
	return marked, swept, err
}
