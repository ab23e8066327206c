// Package scheduler starts task runs, tracks them while they execute and
// applies their outcome to the task, agent and event bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/deepwork/internal/activity"
	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/document"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
)

var (
	ErrNotReady           = errors.New("task has unresolved blockers")
	ErrMissingAssignment  = errors.New("no agent given for run")
	ErrAtCapacity         = errors.New("too many tasks running")
	ErrProjectNotRunnable = errors.New("project is not executing")
	ErrAgentBusy          = agent.ErrBusy
)

const (
	DefaultMaxConcurrentTasks = 4
	DefaultOutputHistory      = 200

	stoppedByUser      = "stopped by user"
	stoppedByShutdown  = "interrupted by server shutdown"
	interruptedOnStart = "interrupted: server restarted while running"
)

type Executor interface {
	Execute(ctx context.Context, t *task.Task, ag *agent.Agent, workDir string) *executor.Invocation
}

type Options struct {
	// MaxConcurrentTasks bounds simultaneous runs. 0 means unbounded.
	MaxConcurrentTasks int
	OutputHistory      int
}

type Scheduler struct {
	tasks    *task.Store
	agents   *agent.Store
	projects *project.Store
	docs     *document.Service
	activity *activity.Recorder
	bus      *eventbus.Bus
	exec     Executor
	opts     Options

	mu       sync.Mutex
	handles  map[string]*Handle // by task id
	runs     map[string]*Handle // by run id
	closed   bool

	wg conc.WaitGroup
}

func New(
	tasks *task.Store,
	agents *agent.Store,
	projects *project.Store,
	docs *document.Service,
	recorder *activity.Recorder,
	bus *eventbus.Bus,
	exec Executor,
	opts Options,
) *Scheduler {
	if opts.OutputHistory <= 0 {
		opts.OutputHistory = DefaultOutputHistory
	}
	return &Scheduler{
		tasks:    tasks,
		agents:   agents,
		projects: projects,
		docs:     docs,
		activity: recorder,
		bus:      bus,
		exec:     exec,
		opts:     opts,
		handles:  map[string]*Handle{},
		runs:     map[string]*Handle{},
	}
}

// Run starts taskID on agentID and returns as soon as the executor is
// launched. The outcome arrives later through the event bus.
func (s *Scheduler) Run(ctx context.Context, taskID, agentID string) (*Handle, error) {
	if agentID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "agent_id is required to run a task", ErrMissingAssignment)
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ag, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := task.CheckRun(t); err != nil {
		return nil, err
	}
	var workDir string
	if t.ProjectID != "" {
		p, err := s.projects.Get(ctx, t.ProjectID)
		if err != nil {
			return nil, err
		}
		if !p.Status.Runnable() {
			return nil, cerr.Newf(cerr.FailedPrecondition, ErrProjectNotRunnable,
				"project %s is %s", p.ID, p.Status)
		}
		workDir = p.WorkDir
	}
	pending, err := s.tasks.Unresolved(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, cerr.Newf(cerr.FailedPrecondition, ErrNotReady, "task is waiting on %v", pending)
	}
	if ag.Busy() {
		return nil, cerr.Newf(cerr.Aborted, ErrAgentBusy, "agent %s is running task %s", ag.ID, ag.CurrentTaskID)
	}
	return s.start(ctx, t, ag, workDir)
}

// reserve registers the handle of a run about to start. A task or agent
// already being started or run here is rejected before capacity is checked.
func (s *Scheduler) reserve(t *task.Task, ag *agent.Agent) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerr.NewError(cerr.Unavailable, "scheduler is shutting down", nil)
	}
	if _, ok := s.handles[t.ID]; ok {
		return nil, cerr.Newf(cerr.FailedPrecondition, task.ErrInvalidTransition, "task %s is already running", t.ID)
	}
	for _, h := range s.handles {
		if h.AgentID == ag.ID {
			return nil, cerr.Newf(cerr.Aborted, ErrAgentBusy, "agent %s is running task %s", ag.ID, h.TaskID)
		}
	}
	if limit := s.opts.MaxConcurrentTasks; limit > 0 && len(s.handles) >= limit {
		return nil, cerr.Newf(cerr.ResourceExhausted, ErrAtCapacity, "%d tasks already running", limit)
	}
	h := &Handle{
		RunID:     ulid.Make().String(),
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		AgentID:   ag.ID,
		StartedAt: time.Now(),
		limit:     s.opts.OutputHistory,
	}
	s.handles[t.ID] = h
	s.runs[h.RunID] = h
	return h, nil
}

// start claims the agent, commits in_progress and launches the executor.
// The handle is registered first so a concurrent stop always finds it.
func (s *Scheduler) start(ctx context.Context, t *task.Task, ag *agent.Agent, workDir string) (*Handle, error) {
	h, err := s.reserve(t, ag)
	if err != nil {
		return nil, err
	}
	ag, err = s.agents.Claim(ctx, ag.ID, t.ID)
	if err != nil {
		s.detachRun(h.RunID)
		return nil, err
	}
	now := h.StartedAt
	taskID := t.ID
	t, err = s.tasks.Update(ctx, taskID, func(t *task.Task) error {
		if err := task.CheckRun(t); err != nil {
			return err
		}
		t.Status = task.StatusInProgress
		t.StartedAt = &now
		t.CompletedAt = nil
		t.Error = ""
		t.ActiveDescription = fmt.Sprintf("%s is working on %q", ag.Name, t.Title)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.detachRun(h.RunID)
		if rerr := s.agents.Release(ctx, ag.ID, taskID); rerr != nil {
			slog.ErrorContext(ctx, "scheduler: failed to release agent after rejected run", "agent_id", ag.ID, "error", rerr)
		}
		return nil, err
	}

	s.bus.PublishNew(eventbus.TypeTaskStarted, t.ProjectID, t.ID, eventbus.TaskStarted{
		TaskID:    t.ID,
		AgentID:   ag.ID,
		AgentName: ag.Name,
		TaskTitle: t.Title,
	})
	s.activity.Record(ctx, &activity.Activity{
		Type:      activity.TypeTaskStarted,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		AgentID:   ag.ID,
		Message:   fmt.Sprintf("%s started %q", ag.Name, t.Title),
	})

	inv := s.exec.Execute(ctx, t, ag, workDir)
	runID := h.RunID
	drain := func() {
		for ev := range inv.Events() {
			s.OnExecutorEvent(runID, ev)
		}
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Go(drain)
	}
	s.mu.Unlock()
	if closed {
		go drain()
		h.cancel(stoppedByShutdown)
	}

	if !h.attach(inv) {
		// Stopped between the in_progress commit and the launch.
		inv.Cancel()
		s.detachRun(runID)
		reason := h.stopReason()
		if _, err := s.block(ctx, t.ID, ag.ID, reason); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
			slog.ErrorContext(ctx, "scheduler: failed to block task stopped during start", "task_id", t.ID, "error", err)
		}
		return nil, cerr.Newf(cerr.Aborted, nil, "run of task %s was stopped before it started: %s", t.ID, reason)
	}
	return h, nil
}

// OnExecutorEvent applies one executor event. Events of runs that no longer
// have a handle are dropped.
func (s *Scheduler) OnExecutorEvent(runID string, ev executor.Event) {
	switch {
	case ev.Output != nil:
		s.mu.Lock()
		h := s.runs[runID]
		s.mu.Unlock()
		if h == nil {
			return
		}
		h.append(*ev.Output)
		s.bus.PublishNew(eventbus.TypeTaskOutput, h.ProjectID, h.TaskID, eventbus.TaskOutput{
			TaskID:     h.TaskID,
			Content:    ev.Output.Content,
			OutputType: string(ev.Output.Kind),
		})
	case ev.Terminal != nil:
		h := s.detachRun(runID)
		if h == nil {
			return
		}
		s.finish(h.logContext(), h, ev.Terminal)
	}
}

func (s *Scheduler) detachRun(runID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.runs[runID]
	if h == nil {
		return nil
	}
	delete(s.runs, runID)
	if s.handles[h.TaskID] == h {
		delete(s.handles, h.TaskID)
	}
	return h
}

func (s *Scheduler) detachTask(taskID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[taskID]
	if h == nil {
		return nil
	}
	delete(s.handles, taskID)
	delete(s.runs, h.RunID)
	return h
}

func (s *Scheduler) finish(ctx context.Context, h *Handle, term *executor.Terminal) {
	var errText string
	if term.Err != nil {
		errText = term.Err.Error()
	}
	t, err := s.tasks.Update(ctx, h.TaskID, func(t *task.Task) error {
		now := time.Now()
		switch term.Status {
		case executor.StatusCompleted:
			to := task.StatusDone
			if t.Type == task.TypeReview {
				to = task.StatusReview
			}
			if err := task.CheckFinish(t, to); err != nil {
				return err
			}
			t.Status = to
			t.Error = ""
			if to == task.StatusDone {
				t.CompletedAt = &now
			}
		case executor.StatusError:
			if err := task.CheckFinish(t, task.StatusBlocked); err != nil {
				return err
			}
			t.Status = task.StatusBlocked
			t.Error = errText
		}
		t.ActiveDescription = ""
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "scheduler: failed to record run outcome", "task_id", h.TaskID, "run_id", h.RunID, "status", term.Status, "error", err)
		t, _ = s.tasks.Get(ctx, h.TaskID)
	}
	s.release(ctx, h.AgentID, h.TaskID)
	if t == nil {
		return
	}

	if term.Status == executor.StatusCompleted && term.Summary != "" && t.ProjectID != "" {
		if _, err := s.docs.Add(ctx, t.ProjectID, t.ID, document.KindDeliverable, t.Title, term.Summary); err != nil {
			slog.ErrorContext(ctx, "scheduler: failed to store deliverable", "task_id", t.ID, "error", err)
		}
	}

	s.bus.PublishNew(eventbus.TypeTaskCompleted, t.ProjectID, t.ID, eventbus.TaskCompleted{
		TaskID: t.ID,
		Status: string(t.Status),
		Error:  errText,
	})

	entry := &activity.Activity{ProjectID: t.ProjectID, TaskID: t.ID, AgentID: h.AgentID}
	switch term.Status {
	case executor.StatusCompleted:
		entry.Type = activity.TypeTaskCompleted
		entry.Message = fmt.Sprintf("%q finished as %s", t.Title, t.Status)
	case executor.StatusError:
		entry.Type = activity.TypeTaskFailed
		entry.Message = fmt.Sprintf("%q failed: %s", t.Title, errText)
	default:
		entry.Type = activity.TypeTaskStopped
		entry.Message = fmt.Sprintf("%q stopped", t.Title)
	}
	s.activity.Record(ctx, entry)

	switch term.Status {
	case executor.StatusCompleted:
		s.hint(ctx, t)
	case executor.StatusError:
		s.bus.PublishNew(eventbus.TypeNotification, t.ProjectID, t.ID, eventbus.Notification{
			Level:   eventbus.NotificationError,
			Title:   "Task failed",
			Message: fmt.Sprintf("%s: %s", t.Title, errText),
		})
	}
}

func (s *Scheduler) release(ctx context.Context, agentID, taskID string) {
	if err := s.agents.Release(ctx, agentID, taskID); err != nil {
		slog.ErrorContext(ctx, "scheduler: failed to release agent", "agent_id", agentID, "task_id", taskID, "error", err)
	}
}

// Stop cancels a running task and blocks it without waiting for the
// executor to wind down.
func (s *Scheduler) Stop(ctx context.Context, taskID string) (*task.Task, error) {
	return s.stop(ctx, taskID, stoppedByUser)
}

func (s *Scheduler) stop(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress {
		return nil, cerr.Newf(cerr.FailedPrecondition, task.ErrInvalidTransition, "task is %s, not in_progress", t.Status)
	}
	var agentID string
	if h := s.detachTask(taskID); h != nil {
		h.cancel(reason)
		agentID = h.AgentID
	}
	return s.block(ctx, taskID, agentID, reason)
}

// block moves an in_progress task to blocked and frees its agent. With no
// agent id the holder is looked up by its current task.
func (s *Scheduler) block(ctx context.Context, taskID, agentID, reason string) (*task.Task, error) {
	t, err := s.tasks.Update(ctx, taskID, func(t *task.Task) error {
		if err := task.CheckFinish(t, task.StatusBlocked); err != nil {
			return err
		}
		t.Status = task.StatusBlocked
		t.Error = reason
		t.ActiveDescription = ""
		t.UpdatedAt = time.Now()
		return nil
	})
	if agentID != "" {
		s.release(ctx, agentID, taskID)
	} else {
		held, herr := s.agents.HeldBy(ctx, taskID)
		if herr != nil {
			slog.ErrorContext(ctx, "scheduler: failed to look up agents of task", "task_id", taskID, "error", herr)
		}
		for _, a := range held {
			agentID = a.ID
			s.release(ctx, a.ID, taskID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.bus.PublishNew(eventbus.TypeTaskCompleted, t.ProjectID, t.ID, eventbus.TaskCompleted{
		TaskID: t.ID,
		Status: string(t.Status),
		Error:  reason,
	})
	s.activity.Record(ctx, &activity.Activity{
		Type:      activity.TypeTaskStopped,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		AgentID:   agentID,
		Message:   fmt.Sprintf("%q %s", t.Title, reason),
	})
	return t, nil
}

// Skip marks a task that has not run as skipped, which resolves it for its
// dependents.
func (s *Scheduler) Skip(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.tasks.Update(ctx, taskID, func(t *task.Task) error {
		if err := task.CheckSkip(t); err != nil {
			return err
		}
		now := time.Now()
		t.Status = task.StatusSkipped
		t.CompletedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.activity.Record(ctx, &activity.Activity{
		Type:      activity.TypeTaskSkipped,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Message:   fmt.Sprintf("%q skipped", t.Title),
	})
	s.hint(ctx, t)
	return t, nil
}

// hint publishes the dependents of resolved that can now run.
func (s *Scheduler) hint(ctx context.Context, resolved *task.Task) {
	var ready []string
	for _, id := range resolved.Blocks {
		dep, err := s.tasks.Get(ctx, id)
		if err != nil {
			continue
		}
		if dep.Status.Final() || dep.Status == task.StatusInProgress || dep.Status == task.StatusReview {
			continue
		}
		pending, err := s.tasks.Unresolved(ctx, dep)
		if err != nil || len(pending) > 0 {
			continue
		}
		ready = append(ready, id)
	}
	if len(ready) == 0 {
		return
	}
	slices.Sort(ready)
	s.bus.PublishNew(eventbus.TypeSchedulingHint, resolved.ProjectID, "", eventbus.SchedulingHint{
		ProjectID: resolved.ProjectID,
		TaskIDs:   ready,
	})
}

func (s *Scheduler) IsTaskReady(ctx context.Context, taskID string) (bool, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	pending, err := s.tasks.Unresolved(ctx, t)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

func (s *Scheduler) Levels(ctx context.Context, projectID string) (*graph.Levels, error) {
	tasks, err := s.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	levels, err := graph.Build(task.Nodes(tasks))
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "dependency graph has a cycle", err)
	}
	return levels, nil
}

// Running returns the handles of all in-flight runs ordered by start.
func (s *Scheduler) Running() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	slices.SortFunc(hs, func(a, b *Handle) int { return a.StartedAt.Compare(b.StartedAt) })
	return hs
}

func (s *Scheduler) Handle(taskID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[taskID]
	return h, ok
}

// StopProject stops every run of a project.
func (s *Scheduler) StopProject(ctx context.Context, projectID string) error {
	var errs []error
	for _, h := range s.Running() {
		if h.ProjectID != projectID {
			continue
		}
		_, err := s.stop(ctx, h.TaskID, stoppedByUser)
		switch {
		case err == nil, cerr.IsCode(err, cerr.NotFound):
		case errors.Is(err, task.ErrInvalidTransition):
			// Still starting: start sees the cancel and blocks the task itself.
			if h := s.detachTask(h.TaskID); h != nil {
				h.cancel(stoppedByUser)
			}
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recover blocks tasks left in_progress by a previous process and frees
// their agents.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, _, err := s.tasks.List(ctx, task.Filter{Status: task.StatusInProgress})
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tasks {
		if _, ok := s.Handle(t.ID); ok {
			continue
		}
		if _, err := s.stop(ctx, t.ID, interruptedOnStart); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every run and waits for the executor goroutines to exit.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, h := range s.Running() {
		if _, err := s.stop(ctx, h.TaskID, stoppedByShutdown); err != nil {
			// Still starting: start sees the cancel and blocks the task itself.
			if h := s.detachTask(h.TaskID); h != nil {
				h.cancel(stoppedByShutdown)
			}
			if !errors.Is(err, task.ErrInvalidTransition) {
				slog.ErrorContext(ctx, "scheduler: failed to stop task on shutdown", "task_id", h.TaskID, "error", err)
			}
		}
	}
	s.wg.Wait()
}
