package scheduler

import (
	"context"

	"github.com/kazz187/deepwork/internal/task"
)

type runner struct {
	s *Scheduler
}

// Runner exposes the scheduler to the task API.
func (s *Scheduler) Runner() task.Runner {
	return runner{s: s}
}

func (r runner) RunTask(ctx context.Context, taskID, agentID string) (*task.Run, error) {
	h, err := r.s.Run(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	return h.Snapshot(), nil
}

func (r runner) StopTask(ctx context.Context, taskID string) (*task.Task, error) {
	return r.s.Stop(ctx, taskID)
}

func (r runner) SkipTask(ctx context.Context, taskID string) (*task.Task, error) {
	return r.s.Skip(ctx, taskID)
}

func (r runner) IsTaskReady(ctx context.Context, taskID string) (bool, error) {
	return r.s.IsTaskReady(ctx, taskID)
}

func (r runner) RunningTask(taskID string) (*task.Run, bool) {
	h, ok := r.s.Handle(taskID)
	if !ok {
		return nil, false
	}
	return h.Snapshot(), true
}

// RunningTasks lists the runs of a project, or all runs when projectID is
// empty.
func (r runner) RunningTasks(projectID string) []*task.Run {
	var runs []*task.Run
	for _, h := range r.s.Running() {
		if projectID == "" || h.ProjectID == projectID {
			runs = append(runs, h.Snapshot())
		}
	}
	return runs
}
