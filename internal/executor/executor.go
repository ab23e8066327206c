// Package executor runs a task on an agent backend and reports the run as a
// stream of output events followed by exactly one terminal event.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/panicerr"
)

var (
	ErrTimeout         = errors.New("executor timed out")
	ErrCancelRequested = errors.New("executor cancel requested")
	ErrExecutorFailure = errors.New("executor failed")
)

type OutputKind string

const (
	OutputMessage    OutputKind = "message"
	OutputThinking   OutputKind = "thinking"
	OutputToolUse    OutputKind = "tool_use"
	OutputToolResult OutputKind = "tool_result"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

type Output struct {
	Kind    OutputKind `json:"kind"`
	Content string     `json:"content"`
}

type Terminal struct {
	Status  Status
	Summary string
	Err     error
}

// Event carries either an Output or a Terminal.
type Event struct {
	Output   *Output
	Terminal *Terminal
}

// Request is what a backend sees of a task run.
type Request struct {
	TaskID         string   `json:"task_id"`
	ProjectID      string   `json:"project_id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
}

type Backend interface {
	// Run executes req and returns the final summary. Outputs are reported
	// through emit as they happen.
	Run(ctx context.Context, req Request, emit func(Output)) (string, error)
}

const DefaultTimeout = 30 * time.Minute

type Options struct {
	Timeout  time.Duration
	WorkDir  string
	MaxTurns int
}

type Adapter struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback Backend
	opts     Options
}

// NewAdapter builds an adapter whose fallback backend serves agents that
// name no registered backend.
func NewAdapter(fallback Backend, opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Adapter{
		backends: map[string]Backend{},
		fallback: fallback,
		opts:     opts,
	}
}

func (a *Adapter) Register(name string, b Backend) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backends[name] = b
}

func (a *Adapter) backend(name string) Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.backends[name]; ok {
		return b
	}
	return a.fallback
}

// Invocation is one running execution.
type Invocation struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (i *Invocation) Events() <-chan Event {
	return i.events
}

// Cancel asks the backend to stop. The terminal event still follows.
func (i *Invocation) Cancel() {
	i.cancel(ErrCancelRequested)
}

func (i *Invocation) emit(out Output) {
	select {
	case i.events <- Event{Output: &out}:
	case <-i.ctx.Done():
	}
}

// Execute starts t on ag and returns immediately.
func (a *Adapter) Execute(ctx context.Context, t *task.Task, ag *agent.Agent, workDir string) *Invocation {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	inv := &Invocation{
		events: make(chan Event, 16),
		ctx:    runCtx,
		cancel: cancel,
	}
	req := a.request(t, ag, workDir)
	b := a.backend(ag.Backend)

	go func() {
		defer close(inv.events)
		defer cancel(nil)
		timeoutCtx, stop := context.WithTimeoutCause(runCtx, a.opts.Timeout, ErrTimeout)
		defer stop()

		var summary string
		var err error
		if b == nil {
			err = fmt.Errorf("no backend for %q", ag.Backend)
		} else {
			summary, err = panicerr.SafeResult(timeoutCtx, func(ctx context.Context) (string, error) {
				return b.Run(ctx, req, inv.emit)
			})
		}
		inv.events <- Event{Terminal: classify(timeoutCtx, summary, err)}
	}()
	return inv
}

func classify(ctx context.Context, summary string, err error) *Terminal {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCancelRequested):
		return &Terminal{Status: StatusStopped, Summary: summary, Err: ErrCancelRequested}
	case errors.Is(cause, ErrTimeout):
		return &Terminal{Status: StatusError, Err: ErrTimeout}
	}
	if err != nil {
		return &Terminal{Status: StatusError, Err: fmt.Errorf("%w: %w", ErrExecutorFailure, err)}
	}
	return &Terminal{Status: StatusCompleted, Summary: summary}
}

func (a *Adapter) request(t *task.Task, ag *agent.Agent, workDir string) Request {
	if workDir == "" {
		workDir = a.opts.WorkDir
	}
	maxTurns := ag.MaxTurns
	if maxTurns <= 0 {
		maxTurns = a.opts.MaxTurns
	}
	return Request{
		TaskID:         t.ID,
		ProjectID:      t.ProjectID,
		Title:          t.Title,
		Description:    t.Description,
		SystemPrompt:   systemPrompt(ag),
		Prompt:         BuildPrompt(t),
		Model:          ag.Model,
		Tools:          ag.Tools,
		MaxTurns:       maxTurns,
		PermissionMode: ag.PermissionMode,
		WorkDir:        workDir,
	}
}

func systemPrompt(ag *agent.Agent) string {
	if ag.Prompt != "" {
		return ag.Prompt
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s", ag.Name)
	if ag.Role != "" {
		fmt.Fprintf(&sb, ", %s", ag.Role)
	}
	sb.WriteString(".\n")
	if ag.Description != "" {
		sb.WriteString(ag.Description + "\n")
	}
	if len(ag.Specialties) > 0 {
		fmt.Fprintf(&sb, "Specialties: %s\n", strings.Join(ag.Specialties, ", "))
	}
	return sb.String()
}

// BuildPrompt renders the task as the user prompt of a run.
func BuildPrompt(t *task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task: %s\n\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&sb, "## Description\n%s\n\n", t.Description)
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n\n", strings.Join(t.Tags, ", "))
	}
	sb.WriteString("When the task is complete, finish with a short summary of what you delivered.\n")
	return sb.String()
}
