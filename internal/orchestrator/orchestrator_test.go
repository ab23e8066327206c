package orchestrator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/activity"
	activityrepo "github.com/kazz187/deepwork/internal/activity/repositoryimpl"
	"github.com/kazz187/deepwork/internal/agent"
	agentrepo "github.com/kazz187/deepwork/internal/agent/repositoryimpl"
	"github.com/kazz187/deepwork/internal/document"
	documentrepo "github.com/kazz187/deepwork/internal/document/repositoryimpl"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/orchestrator"
	"github.com/kazz187/deepwork/internal/project"
	projectrepo "github.com/kazz187/deepwork/internal/project/repositoryimpl"
	"github.com/kazz187/deepwork/internal/scheduler"
	"github.com/kazz187/deepwork/internal/task"
	taskrepo "github.com/kazz187/deepwork/internal/task/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/storage"
)

type instantBackend struct {
	runs atomic.Int32
}

func (b *instantBackend) Run(context.Context, executor.Request, func(executor.Output)) (string, error) {
	b.runs.Add(1)
	return "done", nil
}

type env struct {
	tasks    *task.Store
	agents   *agent.Store
	projects *project.Store
	backend  *instantBackend
}

func start(t *testing.T) *env {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	e := &env{
		tasks:    task.NewStore(taskrepo.NewYAMLRepository(local), 0),
		agents:   agent.NewStore(agentrepo.NewYAMLRepository(local), 0),
		projects: project.NewStore(projectrepo.NewYAMLRepository(local), 0),
		backend:  &instantBackend{},
	}
	e.tasks.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeTaskUpdated, eventbus.TypeTaskDeleted,
		func(t *task.Task) (string, string) { return t.ProjectID, t.ID }))
	e.agents.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeAgentUpdated, eventbus.TypeAgentDeleted,
		func(a *agent.Agent) (string, string) { return a.ProjectID, "" }))
	e.projects.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeProjectUpdated, eventbus.TypeProjectDeleted,
		func(p *project.Project) (string, string) { return p.ID, "" }))

	recorder := activity.NewRecorder(activityrepo.NewYAMLRepository(local), bus)
	docs := document.NewService(documentrepo.NewYAMLRepository(local))
	sched := scheduler.New(e.tasks, e.agents, e.projects, docs, recorder, bus,
		executor.NewAdapter(e.backend, executor.Options{}), scheduler.Options{MaxConcurrentTasks: 2})
	orch := orchestrator.New(bus, e.tasks, e.agents, e.projects, sched, recorder, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sched.Close(context.Background())
	})
	return e
}

// approvedProject creates a project with the given team, one step short of
// executing.
func (e *env) approvedProject(t *testing.T, team ...string) *project.Project {
	t.Helper()
	ctx := context.Background()
	p, err := e.projects.CreateDraft(ctx, &project.Project{Description: "build it", Title: "Build"})
	require.NoError(t, err)
	p, err = e.projects.Patch(ctx, p.ID, func(p *project.Project) { p.TeamAgentIDs = team })
	require.NoError(t, err)
	for _, s := range []project.Status{project.StatusPlanning, project.StatusAwaitingApproval, project.StatusApproved} {
		p, err = e.projects.Transition(ctx, p.ID, s, nil)
		require.NoError(t, err)
	}
	return p
}

func (e *env) status(t *testing.T, id string) task.Status {
	t.Helper()
	tk, err := e.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return tk.Status
}

func (e *env) projectStatus(t *testing.T, id string) project.Status {
	t.Helper()
	p, err := e.projects.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestExecutingProjectRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	e := start(t)
	dev, err := e.agents.CreateAgent(ctx, &agent.Agent{Name: "dev", Specialties: []string{"go"}})
	require.NoError(t, err)
	p := e.approvedProject(t, dev.ID)

	created, err := e.tasks.CreateBatch(ctx, []*task.Task{
		{ID: "a", ProjectID: p.ID, Title: "A", RequiredSpecialties: []string{"go"}},
		{ID: "b", ProjectID: p.ID, Title: "B", BlockedBy: []string{"a"}},
		{ID: "c", ProjectID: p.ID, Title: "C", BlockedBy: []string{"a"}, AssigneeIDs: []string{dev.ID}},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	_, err = e.projects.Transition(ctx, p.ID, project.StatusExecuting, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.projectStatus(t, p.ID) == project.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, task.StatusDone, e.status(t, id))
	}
	assert.Equal(t, int32(3), e.backend.runs.Load())
}

func TestPausedProjectStartsNothing(t *testing.T) {
	ctx := context.Background()
	e := start(t)
	dev, err := e.agents.CreateAgent(ctx, &agent.Agent{Name: "dev"})
	require.NoError(t, err)
	p := e.approvedProject(t, dev.ID)
	_, err = e.tasks.CreateTask(ctx, &task.Task{ID: "a", ProjectID: p.ID, Title: "A"})
	require.NoError(t, err)

	_, err = e.projects.Transition(ctx, p.ID, project.StatusExecuting, nil)
	require.NoError(t, err)
	_, err = e.projects.Transition(ctx, p.ID, project.StatusPaused, nil)
	require.NoError(t, err)

	// The executing update may already have started a; only check nothing
	// new starts while paused.
	time.Sleep(50 * time.Millisecond)
	runs := e.backend.runs.Load()
	_, err = e.tasks.CreateTask(ctx, &task.Task{ID: "b", ProjectID: p.ID, Title: "B"})
	require.NoError(t, err)
	_, err = e.agents.Update(ctx, dev.ID, func(a *agent.Agent) error { return nil })
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, runs, e.backend.runs.Load())
	assert.Equal(t, task.StatusInbox, e.status(t, "b"))
	assert.Equal(t, project.StatusPaused, e.projectStatus(t, p.ID))
}

func TestHumanTasksWaitForPeople(t *testing.T) {
	ctx := context.Background()
	e := start(t)
	dev, err := e.agents.CreateAgent(ctx, &agent.Agent{Name: "dev"})
	require.NoError(t, err)
	p := e.approvedProject(t, dev.ID)
	_, err = e.tasks.CreateBatch(ctx, []*task.Task{
		{ID: "sign", ProjectID: p.ID, Title: "Sign contract", Type: task.TypeHuman},
		{ID: "ship", ProjectID: p.ID, Title: "Ship", BlockedBy: []string{"sign"}},
	})
	require.NoError(t, err)
	_, err = e.projects.Transition(ctx, p.ID, project.StatusExecuting, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, task.StatusInbox, e.status(t, "sign"))
	assert.Equal(t, task.StatusInbox, e.status(t, "ship"))
	assert.Zero(t, e.backend.runs.Load())

	_, err = e.tasks.UpdateStatus(ctx, "sign", task.StatusDone)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.projectStatus(t, p.ID) == project.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, task.StatusDone, e.status(t, "ship"))
}
