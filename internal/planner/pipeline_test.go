package planner_test

import (
	"context"
	"errors"
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
	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/planner"
	"github.com/kazz187/deepwork/internal/project"
	projectrepo "github.com/kazz187/deepwork/internal/project/repositoryimpl"
	"github.com/kazz187/deepwork/internal/task"
	taskrepo "github.com/kazz187/deepwork/internal/task/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/storage"
)

type fakePlanner struct {
	researchCalls atomic.Int32
	tasks         []planner.TaskSpec
	tasksErr      error
	block         chan struct{}
	team          []planner.AgentSpec
	panicIn       planner.Phase
}

func (f *fakePlanner) Research(_ context.Context, description string, depth project.ResearchDepth) (string, error) {
	f.researchCalls.Add(1)
	if f.panicIn == planner.PhaseResearch {
		panic("research exploded")
	}
	return "notes on " + description + " at " + string(depth), nil
}

func (f *fakePlanner) PRD(context.Context, string, string) (*planner.PRD, error) {
	return &planner.PRD{Title: "Landing page", Content: "# PRD\nbuild a landing page"}, nil
}

func (f *fakePlanner) Tasks(ctx context.Context, _, _ string) ([]planner.TaskSpec, error) {
	if f.block != nil {
		close(f.block)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.tasks, f.tasksErr
}

func (f *fakePlanner) Team(context.Context, string, []planner.TaskSpec) ([]planner.AgentSpec, error) {
	return f.team, nil
}

func defaultPlanner() *fakePlanner {
	return &fakePlanner{
		tasks: []planner.TaskSpec{
			{Key: "copy", Title: "Write copy", RequiredSpecialties: []string{"writing"}, EstimatedMinutes: 20},
			{Key: "page", Title: "Build page", RequiredSpecialties: []string{"frontend"}, BlockedByKeys: []string{"copy"}, EstimatedMinutes: 60},
			{Key: "domain", Title: "Buy domain", TaskType: task.TypeHuman, Priority: task.PriorityHigh},
		},
		team: []planner.AgentSpec{
			{Name: "writer", Specialties: []string{"writing"}},
			{Name: "dev", Specialties: []string{"frontend", "css"}},
		},
	}
}

type env struct {
	pipeline *planner.Pipeline
	projects *project.Store
	tasks    *task.Store
	agents   *agent.Store
	docs     *document.Service
	sub      *eventbus.Subscription
}

func newEnv(t *testing.T, pl planner.Planner) *env {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	e := &env{
		projects: project.NewStore(projectrepo.NewYAMLRepository(local), 0),
		tasks:    task.NewStore(taskrepo.NewYAMLRepository(local), 0),
		agents:   agent.NewStore(agentrepo.NewYAMLRepository(local), 0),
		docs:     document.NewService(documentrepo.NewYAMLRepository(local)),
		sub:      bus.Subscribe(1024),
	}
	recorder := activity.NewRecorder(activityrepo.NewYAMLRepository(local), bus)
	e.pipeline = planner.NewPipeline(pl, e.projects, e.tasks, e.agents, e.docs, recorder, bus)
	t.Cleanup(e.pipeline.Close)
	return e
}

// planningEvents drains the bus and returns the phases seen and the
// planning_complete payloads.
func (e *env) planningEvents() ([]string, []eventbus.PlanningComplete) {
	var phases []string
	var completes []eventbus.PlanningComplete
	for {
		select {
		case ev := <-e.sub.Events():
			switch p := ev.Payload.(type) {
			case eventbus.PlanningPhase:
				phases = append(phases, p.Phase)
			case eventbus.PlanningComplete:
				completes = append(completes, p)
			}
		default:
			return phases, completes
		}
	}
}

func (e *env) project(t *testing.T, id string) *project.Project {
	t.Helper()
	p, err := e.projects.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestPipelinePlansProject(t *testing.T) {
	ctx := context.Background()
	pl := defaultPlanner()
	e := newEnv(t, pl)

	started, err := e.pipeline.Start(ctx, project.StartRequest{Description: "a landing page"})
	require.NoError(t, err)
	assert.Equal(t, project.StatusPlanning, started.Status)
	assert.Equal(t, project.ResearchStandard, started.ResearchDepth)
	e.pipeline.Wait()

	p := e.project(t, started.ID)
	assert.Equal(t, project.StatusAwaitingApproval, p.Status)
	assert.Equal(t, "Landing page", p.Title)
	assert.Equal(t, 20+60+task.DefaultEstimatedMinutes, p.EstimatedTotalMinutes)
	require.Len(t, p.TaskIDs, 3)
	require.Len(t, p.TeamAgentIDs, 2)

	prd, err := e.docs.Get(ctx, p.PRDDocumentID)
	require.NoError(t, err)
	assert.Equal(t, document.KindPRD, prd.Kind)
	research, _, err := e.docs.List(ctx, document.Filter{ProjectID: p.ID, Kind: document.KindResearch}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, research, 1)

	tasks, err := e.tasks.ListByProject(ctx, p.ID)
	require.NoError(t, err)
	byKey := map[string]*task.Task{}
	for _, tk := range tasks {
		byKey[tk.Key] = tk
	}
	writer, err := e.agents.FindByName(ctx, p.ID, "writer")
	require.NoError(t, err)
	dev, err := e.agents.FindByName(ctx, p.ID, "dev")
	require.NoError(t, err)

	assert.Equal(t, []string{byKey["copy"].ID}, byKey["page"].BlockedBy)
	assert.Equal(t, []string{byKey["page"].ID}, byKey["copy"].Blocks)
	assert.Equal(t, []string{writer.ID}, byKey["copy"].AssigneeIDs)
	assert.Equal(t, task.StatusAssigned, byKey["copy"].Status)
	assert.Equal(t, []string{dev.ID}, byKey["page"].AssigneeIDs)
	assert.Empty(t, byKey["domain"].AssigneeIDs)
	assert.Equal(t, task.StatusInbox, byKey["domain"].Status)

	phases, completes := e.planningEvents()
	assert.Equal(t, []string{"research", "prd", "tasks", "team"}, phases)
	require.Len(t, completes, 1)
	assert.Equal(t, string(project.StatusAwaitingApproval), completes[0].Status)
	assert.Equal(t, "Landing page", completes[0].Title)
}

func TestPipelineSkipsResearchAtDepthNone(t *testing.T) {
	pl := defaultPlanner()
	e := newEnv(t, pl)
	p, err := e.pipeline.Start(context.Background(), project.StartRequest{Description: "x", ResearchDepth: project.ResearchNone})
	require.NoError(t, err)
	e.pipeline.Wait()

	assert.Zero(t, pl.researchCalls.Load())
	assert.Equal(t, project.StatusAwaitingApproval, e.project(t, p.ID).Status)
}

func TestPipelineTaskPhaseFailureKeepsPRD(t *testing.T) {
	ctx := context.Background()
	pl := defaultPlanner()
	pl.tasks = []planner.TaskSpec{
		{Key: "a", Title: "A", BlockedByKeys: []string{"b"}},
		{Key: "b", Title: "B", BlockedByKeys: []string{"a"}},
	}
	e := newEnv(t, pl)

	started, err := e.pipeline.Start(ctx, project.StartRequest{Description: "cyclic"})
	require.NoError(t, err)
	e.pipeline.Wait()

	p := e.project(t, started.ID)
	assert.Equal(t, project.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "tasks phase")
	assert.Contains(t, p.Error, "cycle")
	require.NotEmpty(t, p.PRDDocumentID)
	prd, err := e.docs.Get(ctx, p.PRDDocumentID)
	require.NoError(t, err)
	assert.Contains(t, prd.Content, "landing page")

	tasks, err := e.tasks.ListByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	phases, completes := e.planningEvents()
	assert.Equal(t, []string{"research", "prd", "tasks"}, phases)
	require.Len(t, completes, 1)
	assert.Equal(t, string(project.StatusFailed), completes[0].Status)
	assert.NotEmpty(t, completes[0].Error)
}

func TestPipelineRecoversPanics(t *testing.T) {
	pl := defaultPlanner()
	pl.panicIn = planner.PhaseResearch
	e := newEnv(t, pl)
	started, err := e.pipeline.Start(context.Background(), project.StartRequest{Description: "x"})
	require.NoError(t, err)
	e.pipeline.Wait()

	p := e.project(t, started.ID)
	assert.Equal(t, project.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "research exploded")
}

func TestPipelineCancel(t *testing.T) {
	pl := defaultPlanner()
	pl.block = make(chan struct{})
	e := newEnv(t, pl)
	started, err := e.pipeline.Start(context.Background(), project.StartRequest{Description: "x"})
	require.NoError(t, err)

	select {
	case <-pl.block:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks phase never started")
	}
	assert.True(t, e.pipeline.Cancel(started.ID))
	e.pipeline.Wait()
	assert.False(t, e.pipeline.Cancel(started.ID))

	p := e.project(t, started.ID)
	assert.Equal(t, project.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "planning cancelled")
	_, completes := e.planningEvents()
	assert.Len(t, completes, 1)
}

func TestPipelineReplanAfterFailure(t *testing.T) {
	ctx := context.Background()
	pl := defaultPlanner()
	pl.tasksErr = errors.New("model overloaded")
	e := newEnv(t, pl)
	started, err := e.pipeline.Start(ctx, project.StartRequest{Description: "x"})
	require.NoError(t, err)
	e.pipeline.Wait()
	require.Equal(t, project.StatusFailed, e.project(t, started.ID).Status)

	_, err = e.pipeline.Replan(ctx, started.ID)
	require.NoError(t, err)
	e.pipeline.Wait()
	assert.Equal(t, project.StatusFailed, e.project(t, started.ID).Status)

	pl.tasksErr = nil
	_, err = e.pipeline.Replan(ctx, started.ID)
	require.NoError(t, err)
	e.pipeline.Wait()
	p := e.project(t, started.ID)
	assert.Equal(t, project.StatusAwaitingApproval, p.Status)
	assert.Empty(t, p.Error)

	_, err = e.pipeline.Replan(ctx, started.ID)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)
}

func TestApprovePauseResume(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, defaultPlanner())
	started, err := e.pipeline.Start(ctx, project.StartRequest{Description: "x"})
	require.NoError(t, err)

	_, err = e.pipeline.Resume(ctx, started.ID)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)
	e.pipeline.Wait()

	_, err = e.pipeline.Pause(ctx, started.ID)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)

	p, err := e.pipeline.Approve(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusExecuting, p.Status)
	assert.NotNil(t, p.StartedAt)

	_, err = e.pipeline.Approve(ctx, started.ID)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)

	p, err = e.pipeline.Pause(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, p.Status)
	p, err = e.pipeline.Resume(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusExecuting, p.Status)
}

func TestMaterialize(t *testing.T) {
	tasks, err := planner.Materialize("p1", []planner.TaskSpec{
		{Key: "a", Title: "A"},
		{Key: "b", Title: "B", BlockedByKeys: []string{"a"}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].BlockedBy)
	assert.Equal(t, "p1", tasks[1].ProjectID)

	_, err = planner.Materialize("p1", []planner.TaskSpec{{Key: "a", BlockedByKeys: []string{"zzz"}}})
	assert.ErrorIs(t, err, planner.ErrUnknownKey)

	_, err = planner.Materialize("p1", []planner.TaskSpec{{Key: "a"}, {Key: "a"}})
	assert.Error(t, err)

	_, err = planner.Materialize("p1", []planner.TaskSpec{{Key: "a", BlockedByKeys: []string{"a"}}})
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
}

func TestBestAgent(t *testing.T) {
	team := []*agent.Agent{
		{ID: "w", Specialties: []string{"writing"}},
		{ID: "d", Specialties: []string{"Frontend", "css"}},
	}
	assert.Equal(t, "d", planner.BestAgent(team, []string{"frontend", "css"}).ID)
	assert.Equal(t, "w", planner.BestAgent(team, nil).ID)
	assert.Nil(t, planner.BestAgent(nil, []string{"x"}))
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, planner.DecodeJSON("Here you go:\n```json\n{\"title\": \"T\"}\n```", &out))
	assert.Equal(t, "T", out.Title)
	assert.Error(t, planner.DecodeJSON("no json here", &out))
}
