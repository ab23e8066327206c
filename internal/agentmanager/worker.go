package agentmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/rpc"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Worker is the agent-manager side: it subscribes to the server, runs
// execute commands on a local backend and reports back.
type Worker struct {
	id                string
	maxTasks          int
	backend           executor.Backend
	heartbeatInterval time.Duration

	subscribe *connect.Client[SubscribeCommandsRequest, Command]
	heartbeat *connect.Client[HeartbeatRequest, HeartbeatResponse]
	output    *connect.Client[ReportTaskOutputRequest, ReportResponse]
	result    *connect.Client[ReportTaskResultRequest, ReportResponse]

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

type WorkerOption func(*Worker)

func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.heartbeatInterval = d }
}

func NewWorker(httpClient connect.HTTPClient, baseURL, id string, maxTasks int, backend executor.Backend, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:                id,
		maxTasks:          maxTasks,
		backend:           backend,
		heartbeatInterval: DefaultHeartbeatInterval,
		subscribe:         rpc.NewClient[SubscribeCommandsRequest, Command](httpClient, baseURL, ServiceName, "SubscribeCommands"),
		heartbeat:         rpc.NewClient[HeartbeatRequest, HeartbeatResponse](httpClient, baseURL, ServiceName, "Heartbeat"),
		output:            rpc.NewClient[ReportTaskOutputRequest, ReportResponse](httpClient, baseURL, ServiceName, "ReportTaskOutput"),
		result:            rpc.NewClient[ReportTaskResultRequest, ReportResponse](httpClient, baseURL, ServiceName, "ReportTaskResult"),
		runs:              map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run keeps one subscription open until ctx ends or the stream breaks.
// Runs still in flight when it returns are cancelled.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.subscribe.CallServerStream(ctx, connect.NewRequest(&SubscribeCommandsRequest{
		AgentManagerID:     w.id,
		MaxConcurrentTasks: w.maxTasks,
	}))
	if err != nil {
		return err
	}
	defer stream.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() { w.heartbeatLoop(streamCtx) })
	for stream.Receive() {
		cmd := stream.Msg()
		switch cmd.Type {
		case CommandRegistered:
			slog.Info("agent-manager registered", "agent_manager_id", w.id)
		case CommandExecute:
			if cmd.Request == nil {
				slog.Warn("execute command without request", "run_id", cmd.RunID)
				continue
			}
			w.execute(streamCtx, &wg, cmd.RunID, *cmd.Request)
		case CommandCancel:
			w.cancel(cmd.RunID)
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (w *Worker) execute(ctx context.Context, wg *conc.WaitGroup, runID string, req executor.Request) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.runs[runID] = cancel
	w.mu.Unlock()

	wg.Go(func() {
		defer w.cancel(runID)
		slog.Info("remote run started", "run_id", runID, "task_id", req.TaskID)
		summary, err := w.backend.Run(runCtx, req, func(out executor.Output) {
			if _, err := w.output.CallUnary(ctx, connect.NewRequest(&ReportTaskOutputRequest{
				AgentManagerID: w.id,
				RunID:          runID,
				Kind:           out.Kind,
				Content:        out.Content,
			})); err != nil {
				slog.Warn("failed to report output", "run_id", runID, "error", err)
			}
		})
		res := &ReportTaskResultRequest{AgentManagerID: w.id, RunID: runID, Summary: summary}
		if err != nil {
			res.ErrorMessage = err.Error()
		}
		// The server stops waiting after a cancel, so NotFound is expected then.
		if _, err := w.result.CallUnary(ctx, connect.NewRequest(res)); err != nil && connect.CodeOf(err) != connect.CodeNotFound {
			slog.Warn("failed to report result", "run_id", runID, "error", err)
		}
		slog.Info("remote run finished", "run_id", runID, "task_id", req.TaskID, "error", res.ErrorMessage)
	})
}

func (w *Worker) cancel(runID string) {
	w.mu.Lock()
	cancel, ok := w.runs[runID]
	delete(w.runs, runID)
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of runs in flight.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.heartbeat.CallUnary(ctx, connect.NewRequest(&HeartbeatRequest{AgentManagerID: w.id}))
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("heartbeat failed", "agent_manager_id", w.id, "error", err)
			}
		}
	}
}
