package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kazz187/deepwork/internal/activity"
	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/scheduler"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
)

type Orchestrator struct {
	bus      *eventbus.Bus
	tasks    *task.Store
	agents   *agent.Store
	projects *project.Store
	sched    *scheduler.Scheduler
	activity *activity.Recorder
	bufSize  int
}

func New(
	bus *eventbus.Bus,
	tasks *task.Store,
	agents *agent.Store,
	projects *project.Store,
	sched *scheduler.Scheduler,
	recorder *activity.Recorder,
	bufSize int,
) *Orchestrator {
	if bufSize <= 0 {
		bufSize = eventbus.DefaultBufferSize
	}
	return &Orchestrator{
		bus:      bus,
		tasks:    tasks,
		agents:   agents,
		projects: projects,
		sched:    sched,
		activity: recorder,
		bufSize:  bufSize,
	}
}

// Start subscribes to the event bus and keeps executing projects moving.
// It blocks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	slog.Info("orchestrator started")
	for {
		sub := o.bus.Subscribe(o.bufSize)
		o.sweepAll(ctx)
		dropped := o.consume(ctx, sub)
		o.bus.Unsubscribe(sub.ID)
		if !dropped {
			slog.Info("orchestrator stopped")
			return
		}
		slog.Warn("orchestrator: fell behind the event bus, resubscribing")
	}
}

// consume handles events until ctx ends or the bus drops the subscription.
func (o *Orchestrator) consume(ctx context.Context, sub *eventbus.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.Is(sub.Err(), eventbus.ErrSubscriberDropped)
			}
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev *eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeProjectUpdated:
		p, ok := record[*project.Project](ev)
		if ok && p.Status == project.StatusExecuting {
			o.sweep(ctx, p.ID)
		}
	case eventbus.TypeSchedulingHint:
		o.sweep(ctx, ev.ProjectID)
	case eventbus.TypeAgentUpdated:
		a, ok := record[*agent.Agent](ev)
		if !ok || a.Status != agent.StatusIdle {
			return
		}
		if a.ProjectID != "" {
			o.sweep(ctx, a.ProjectID)
			return
		}
		o.sweepAll(ctx)
	case eventbus.TypeTaskUpdated:
		t, ok := record[*task.Task](ev)
		if ok && t.Status.Resolved() {
			o.sweep(ctx, t.ProjectID)
		}
	}
}

func record[T any](ev *eventbus.Event) (T, bool) {
	rc, ok := ev.Payload.(eventbus.RecordChanged)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := rc.Record.(T)
	return v, ok
}

func (o *Orchestrator) sweepAll(ctx context.Context) {
	projects, _, err := o.projects.List(ctx, project.StatusExecuting, 0, 0)
	if err != nil {
		slog.Error("orchestrator: failed to list projects", "error", err)
		return
	}
	for _, p := range projects {
		o.sweep(ctx, p.ID)
	}
}

// sweep completes the project when nothing is left, otherwise it runs every
// ready agent task it can find an idle agent for.
func (o *Orchestrator) sweep(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}
	p, err := o.projects.Get(ctx, projectID)
	if err != nil {
		if !cerr.IsCode(err, cerr.NotFound) {
			slog.Error("orchestrator: failed to get project", "project_id", projectID, "error", err)
		}
		return
	}
	if p.Status != project.StatusExecuting {
		return
	}
	tasks, err := o.tasks.ListByProject(ctx, projectID)
	if err != nil {
		slog.Error("orchestrator: failed to list tasks", "project_id", projectID, "error", err)
		return
	}
	if len(tasks) > 0 && !slices.ContainsFunc(tasks, func(t *task.Task) bool { return !t.Status.Resolved() }) {
		o.complete(ctx, p)
		return
	}

	slices.SortStableFunc(tasks, func(a, b *task.Task) int {
		return priorityRank(b.Priority) - priorityRank(a.Priority)
	})
	for _, t := range tasks {
		if t.Type != task.TypeAgent || (t.Status != task.StatusInbox && t.Status != task.StatusAssigned) {
			continue
		}
		pending, err := o.tasks.Unresolved(ctx, t)
		if err != nil || len(pending) > 0 {
			continue
		}
		agentID, ok := o.pickAgent(ctx, p, t)
		if !ok {
			continue
		}
		_, err = o.sched.Run(ctx, t.ID, agentID)
		switch {
		case err == nil:
			slog.Info("orchestrator: task started", "project_id", p.ID, "task_id", t.ID, "agent_id", agentID)
		case errors.Is(err, scheduler.ErrAtCapacity):
			return
		case errors.Is(err, scheduler.ErrAgentBusy), errors.Is(err, task.ErrInvalidTransition):
		default:
			slog.Error("orchestrator: failed to run task", "project_id", p.ID, "task_id", t.ID, "agent_id", agentID, "error", err)
		}
	}
}

// pickAgent returns the first idle assignee. Unassigned tasks go to the idle
// team agent covering most of the required specialties.
func (o *Orchestrator) pickAgent(ctx context.Context, p *project.Project, t *task.Task) (string, bool) {
	if len(t.AssigneeIDs) > 0 {
		for _, id := range t.AssigneeIDs {
			if a, err := o.agents.Get(ctx, id); err == nil && !a.Busy() {
				return a.ID, true
			}
		}
		return "", false
	}
	var best *agent.Agent
	bestScore := -1
	for _, id := range p.TeamAgentIDs {
		a, err := o.agents.Get(ctx, id)
		if err != nil || a.Busy() {
			continue
		}
		score := a.Coverage(t.RequiredSpecialties)
		if len(t.RequiredSpecialties) > 0 && score == 0 {
			continue
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func (o *Orchestrator) complete(ctx context.Context, p *project.Project) {
	done, err := o.projects.Transition(ctx, p.ID, project.StatusCompleted, nil)
	if err != nil {
		if !errors.Is(err, project.ErrInvalidTransition) {
			slog.Error("orchestrator: failed to complete project", "project_id", p.ID, "error", err)
		}
		return
	}
	p = done
	o.activity.Record(ctx, &activity.Activity{
		Type:      activity.TypeProjectCompleted,
		ProjectID: p.ID,
		Message:   fmt.Sprintf("%q completed", p.Title),
	})
	o.bus.PublishNew(eventbus.TypeNotification, p.ID, "", eventbus.Notification{
		Level:   eventbus.NotificationInfo,
		Title:   "Project completed",
		Message: p.Title,
	})
}

func priorityRank(p task.Priority) int {
	switch p {
	case task.PriorityHigh:
		return 2
	case task.PriorityMedium:
		return 1
	}
	return 0
}
