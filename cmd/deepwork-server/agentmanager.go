package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kazz187/deepwork/internal/agentmanager"
	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/clog"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 5 * time.Minute
)

// apiKeyTransport adds the server API key to every request.
type apiKeyTransport struct {
	apiKey string
	base   http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-API-Key", t.apiKey)
	return t.base.RoundTrip(req)
}

// localWorkDir runs every remote request in this machine's directory.
type localWorkDir struct {
	executor.Backend
	dir string
}

func (b localWorkDir) Run(ctx context.Context, req executor.Request, emit func(executor.Output)) (string, error) {
	req.WorkDir = b.dir
	return b.Backend.Run(ctx, req, emit)
}

func runAgentManager(serverURL, id, apiKey, workDir string, maxTasks int) int {
	slog.SetDefault(slog.New(clog.NewAttributesHandler(clog.NewTextHandler(os.Stderr, clog.WithLevel(slog.LevelInfo)))))
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			slog.Error("failed to resolve hostname, pass --id", "error", err)
			return 1
		}
		id = host
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var backend executor.Backend = executor.NewClaudeBackend()
	if workDir != "" {
		backend = localWorkDir{Backend: backend, dir: workDir}
	}
	httpClient := &http.Client{Transport: &apiKeyTransport{apiKey: apiKey, base: http.DefaultTransport}}
	worker := agentmanager.NewWorker(httpClient, serverURL, id, maxTasks, backend)

	backoff := initialBackoff
	for {
		started := time.Now()
		err := worker.Run(ctx)
		if ctx.Err() != nil {
			slog.Info("agent-manager stopped", "agent_manager_id", id)
			return 0
		}
		if time.Since(started) > maxBackoff {
			backoff = initialBackoff
		}
		if err == nil {
			err = errors.New("stream closed by server")
		}
		if !cerr.Retryable(err) {
			slog.Error("agent-manager rejected by server", "agent_manager_id", id, "error", err)
			return 1
		}
		slog.Warn("agent-manager disconnected, retrying", "agent_manager_id", id, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
