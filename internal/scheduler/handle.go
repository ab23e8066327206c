package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/clog"
)

// Handle tracks one in-flight run. It lives only in memory and is discarded
// when the run ends.
type Handle struct {
	RunID     string
	TaskID    string
	ProjectID string
	AgentID   string
	StartedAt time.Time

	mu       sync.Mutex
	inv      *executor.Invocation
	stopped  string // reason, set once the run is stopped
	outputs  []executor.Output
	lastLine string
	limit    int
}

// attach binds the executor invocation to the handle. It reports false when
// the run was stopped before the invocation existed.
func (h *Handle) attach(inv *executor.Invocation) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped != "" {
		return false
	}
	h.inv = inv
	return true
}

// cancel marks the run stopped and cancels the invocation if there is one.
func (h *Handle) cancel(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped == "" {
		h.stopped = reason
	}
	if h.inv != nil {
		h.inv.Cancel()
	}
}

// logContext carries the run's ids for logs written after the request that
// started it has returned.
func (h *Handle) logContext() context.Context {
	return clog.ContextWithAttributes(context.Background(), map[string]any{
		"component":  "scheduler",
		"project_id": h.ProjectID,
		"task_id":    h.TaskID,
		"agent_id":   h.AgentID,
		"run_id":     h.RunID,
	})
}

func (h *Handle) stopReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) append(out executor.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputs = append(h.outputs, out)
	if h.limit > 0 && len(h.outputs) > h.limit {
		h.outputs = h.outputs[len(h.outputs)-h.limit:]
	}
	if out.Content != "" {
		h.lastLine = lastLine(out.Content)
	}
}

// Snapshot copies the handle for callers outside the scheduler.
func (h *Handle) Snapshot() *task.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	outs := make([]task.RunOutput, len(h.outputs))
	for i, o := range h.outputs {
		outs[i] = task.RunOutput{Kind: string(o.Kind), Content: o.Content}
	}
	return &task.Run{
		RunID:     h.RunID,
		TaskID:    h.TaskID,
		ProjectID: h.ProjectID,
		AgentID:   h.AgentID,
		StartedAt: h.StartedAt,
		Outputs:   outs,
		LastLine:  h.lastLine,
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return s[strings.LastIndexByte(s, '\n')+1:]
}
