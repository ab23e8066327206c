package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/deepwork/internal/activity"
	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/document"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/clog"
	"github.com/kazz187/deepwork/pkg/panicerr"
)

var errCancelled = errors.New("planning cancelled")

// Pipeline runs research, prd, tasks and team for a project in the
// background, one run per project at a time.
type Pipeline struct {
	planner  Planner
	projects *project.Store
	tasks    *task.Store
	agents   *agent.Store
	docs     *document.Service
	activity *activity.Recorder
	bus      *eventbus.Bus

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	wg      conc.WaitGroup
}

func NewPipeline(
	planner Planner,
	projects *project.Store,
	tasks *task.Store,
	agents *agent.Store,
	docs *document.Service,
	recorder *activity.Recorder,
	bus *eventbus.Bus,
) *Pipeline {
	return &Pipeline{
		planner:  planner,
		projects: projects,
		tasks:    tasks,
		agents:   agents,
		docs:     docs,
		activity: recorder,
		bus:      bus,
		cancels:  map[string]context.CancelCauseFunc{},
	}
}

// Start creates the project and plans it asynchronously.
func (p *Pipeline) Start(ctx context.Context, req project.StartRequest) (*project.Project, error) {
	prj, err := p.projects.CreateDraft(ctx, &project.Project{
		Title:         req.Title,
		Description:   req.Description,
		ResearchDepth: req.ResearchDepth,
		CreatorID:     req.CreatorID,
		WorkDir:       req.WorkDir,
		Tags:          req.Tags,
	})
	if err != nil {
		return nil, err
	}
	return p.launch(ctx, prj.ID)
}

// Replan discards the tasks and team of a failed project and plans it again.
func (p *Pipeline) Replan(ctx context.Context, projectID string) (*project.Project, error) {
	prj, err := p.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := project.CheckTransition(prj.Status, project.StatusPlanning); err != nil {
		return nil, err
	}
	if err := p.discardPlan(ctx, prj); err != nil {
		return nil, err
	}
	return p.launch(ctx, projectID)
}

func (p *Pipeline) launch(ctx context.Context, projectID string) (*project.Project, error) {
	prj, err := p.projects.Transition(ctx, projectID, project.StatusPlanning, func(prj *project.Project) {
		prj.TaskIDs = nil
		prj.TeamAgentIDs = nil
		prj.EstimatedTotalMinutes = 0
	})
	if err != nil {
		return nil, err
	}

	// A fresh attribute bag: the StartProject call's procedure and code must
	// not leak into the pipeline's own log lines.
	runCtx, cancel := context.WithCancelCause(clog.ContextWithAttributes(context.WithoutCancel(ctx), map[string]any{
		"component":  "planner",
		"project_id": prj.ID,
	}))
	p.mu.Lock()
	p.cancels[prj.ID] = cancel
	p.mu.Unlock()

	snapshot := prj.Clone()
	p.wg.Go(func() {
		defer func() {
			p.mu.Lock()
			delete(p.cancels, snapshot.ID)
			p.mu.Unlock()
			cancel(nil)
		}()
		p.run(runCtx, snapshot)
	})
	return prj, nil
}

// Cancel aborts a running pipeline. It reports whether one was running.
func (p *Pipeline) Cancel(projectID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[projectID]
	p.mu.Unlock()
	if ok {
		cancel(errCancelled)
	}
	return ok
}

// Wait blocks until every pipeline run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels all running pipelines and waits for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel(errCancelled)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, prj *project.Project) {
	title, err := p.phases(ctx, prj)
	if err == nil {
		err = context.Cause(ctx)
	}
	// Finishing writes must not be cut short by a cancel.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = errCancelled
		}
		failed, terr := p.projects.Transition(bg, prj.ID, project.StatusFailed, func(prj *project.Project) {
			prj.Error = err.Error()
		})
		if terr != nil {
			slog.WarnContext(bg, "planner: failed to record planning failure", "error", terr)
		}
		if failed != nil {
			title = failed.Title
		}
		slog.WarnContext(bg, "planner: planning failed", "error", err)
		p.activity.Record(bg, &activity.Activity{
			Type:      activity.TypeProjectFailed,
			ProjectID: prj.ID,
			Message:   fmt.Sprintf("planning failed: %s", err),
		})
		p.bus.PublishNew(eventbus.TypeNotification, prj.ID, "", eventbus.Notification{
			Level:   eventbus.NotificationError,
			Title:   "Planning failed",
			Message: err.Error(),
		})
		p.bus.PublishNew(eventbus.TypePlanningComplete, prj.ID, "", eventbus.PlanningComplete{
			ProjectID: prj.ID,
			Status:    string(project.StatusFailed),
			Title:     title,
			Error:     err.Error(),
		})
		return
	}

	if _, err := p.projects.Transition(bg, prj.ID, project.StatusAwaitingApproval, nil); err != nil {
		slog.ErrorContext(bg, "planner: failed to finish planning", "error", err)
	}
	p.activity.Record(bg, &activity.Activity{
		Type:      activity.TypeProjectPlanned,
		ProjectID: prj.ID,
		Message:   fmt.Sprintf("%q is planned and awaits approval", title),
	})
	p.bus.PublishNew(eventbus.TypePlanningComplete, prj.ID, "", eventbus.PlanningComplete{
		ProjectID: prj.ID,
		Status:    string(project.StatusAwaitingApproval),
		Title:     title,
	})
}

// phases runs the four phases in order and returns the project title.
func (p *Pipeline) phases(ctx context.Context, prj *project.Project) (string, error) {
	title := prj.Title
	var research string
	var prd *PRD
	var specs []TaskSpec
	var created []*task.Task

	err := p.phase(ctx, prj.ID, PhaseResearch, "researching the problem", func(ctx context.Context) error {
		if prj.ResearchDepth == project.ResearchNone {
			return nil
		}
		notes, err := p.planner.Research(ctx, prj.Description, prj.ResearchDepth)
		if err != nil {
			return err
		}
		research = notes
		if notes == "" {
			return nil
		}
		_, err = p.docs.Add(ctx, prj.ID, "", document.KindResearch, "Research notes", notes)
		return err
	})
	if err != nil {
		return title, err
	}

	err = p.phase(ctx, prj.ID, PhasePRD, "writing the product requirements", func(ctx context.Context) error {
		var err error
		prd, err = p.planner.PRD(ctx, prj.Description, research)
		if err != nil {
			return err
		}
		if prd == nil || prd.Content == "" {
			return errors.New("planner returned an empty PRD")
		}
		if prd.Title != "" && prj.Title == "" {
			title = prd.Title
		}
		doc, err := p.docs.Add(ctx, prj.ID, "", document.KindPRD, title, prd.Content)
		if err != nil {
			return err
		}
		_, err = p.projects.Patch(ctx, prj.ID, func(prj *project.Project) {
			prj.Title = title
			prj.PRDDocumentID = doc.ID
		})
		return err
	})
	if err != nil {
		return title, err
	}

	err = p.phase(ctx, prj.ID, PhaseTasks, "breaking the work into tasks", func(ctx context.Context) error {
		var err error
		specs, err = p.planner.Tasks(ctx, prj.Description, prd.Content)
		if err != nil {
			return err
		}
		tasks, err := Materialize(prj.ID, specs)
		if err != nil {
			return err
		}
		created, err = p.tasks.CreateBatch(ctx, tasks)
		if err != nil {
			return err
		}
		var ids []string
		var minutes int
		for _, t := range created {
			ids = append(ids, t.ID)
			minutes += t.EstimatedMinutes
		}
		_, err = p.projects.Patch(ctx, prj.ID, func(prj *project.Project) {
			prj.TaskIDs = ids
			prj.EstimatedTotalMinutes = minutes
		})
		return err
	})
	if err != nil {
		return title, err
	}

	err = p.phase(ctx, prj.ID, PhaseTeam, "assembling the team", func(ctx context.Context) error {
		agentSpecs, err := p.planner.Team(ctx, prd.Content, specs)
		if err != nil {
			return err
		}
		team := make([]*agent.Agent, 0, len(agentSpecs))
		for _, s := range agentSpecs {
			a, err := p.agents.CreateAgent(ctx, &agent.Agent{
				ProjectID:   prj.ID,
				Name:        s.Name,
				Role:        s.Role,
				Description: s.Description,
				Specialties: s.Specialties,
				Backend:     s.Backend,
			})
			if err != nil {
				return err
			}
			team = append(team, a)
		}
		ids := make([]string, 0, len(team))
		for _, a := range team {
			ids = append(ids, a.ID)
		}
		if _, err := p.projects.Patch(ctx, prj.ID, func(prj *project.Project) { prj.TeamAgentIDs = ids }); err != nil {
			return err
		}
		for _, t := range created {
			if t.Type != task.TypeAgent {
				continue
			}
			best := BestAgent(team, t.RequiredSpecialties)
			if best == nil {
				continue
			}
			if _, err := p.tasks.AssignAgents(ctx, t.ID, []string{best.ID}); err != nil {
				return err
			}
		}
		return nil
	})
	return title, err
}

func (p *Pipeline) phase(ctx context.Context, projectID string, phase Phase, msg string, fn func(context.Context) error) error {
	if err := context.Cause(ctx); err != nil {
		return phaseError(phase, err)
	}
	p.bus.PublishNew(eventbus.TypePlanningPhase, projectID, "", eventbus.PlanningPhase{
		ProjectID: projectID,
		Phase:     string(phase),
		Message:   msg,
	})
	if err := panicerr.SafeContext(fn)(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return phaseError(phase, cause)
		}
		return phaseError(phase, err)
	}
	return nil
}

// BestAgent returns the agent covering most of required, the first one on a
// tie. It returns nil for an empty team.
func BestAgent(team []*agent.Agent, required []string) *agent.Agent {
	var best *agent.Agent
	bestScore := -1
	for _, a := range team {
		if score := a.Coverage(required); score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// discardPlan removes the tasks and team agents of a previous plan.
func (p *Pipeline) discardPlan(ctx context.Context, prj *project.Project) error {
	var errs []error
	tasks, err := p.tasks.ListByProject(ctx, prj.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := p.tasks.DeleteTask(ctx, t.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	for _, id := range prj.TeamAgentIDs {
		if err := p.agents.DeleteAgent(ctx, id); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Approve moves a planned project through approved into executing.
func (p *Pipeline) Approve(ctx context.Context, projectID string) (*project.Project, error) {
	if _, err := p.projects.Transition(ctx, projectID, project.StatusApproved, nil); err != nil {
		return nil, err
	}
	prj, err := p.projects.Transition(ctx, projectID, project.StatusExecuting, nil)
	if err != nil {
		return nil, err
	}
	p.record(ctx, prj, activity.TypeProjectApproved, "approved and executing")
	return prj, nil
}

func (p *Pipeline) Pause(ctx context.Context, projectID string) (*project.Project, error) {
	prj, err := p.projects.Transition(ctx, projectID, project.StatusPaused, nil)
	if err != nil {
		return nil, err
	}
	p.record(ctx, prj, activity.TypeProjectPaused, "paused")
	return prj, nil
}

func (p *Pipeline) Resume(ctx context.Context, projectID string) (*project.Project, error) {
	prj, err := p.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if prj.Status != project.StatusPaused {
		return nil, cerr.Newf(cerr.FailedPrecondition, project.ErrInvalidTransition, "project is %s, not paused", prj.Status)
	}
	prj, err = p.projects.Transition(ctx, projectID, project.StatusExecuting, nil)
	if err != nil {
		return nil, err
	}
	p.record(ctx, prj, activity.TypeProjectResumed, "resumed")
	return prj, nil
}

func (p *Pipeline) record(ctx context.Context, prj *project.Project, typ activity.Type, what string) {
	p.activity.Record(ctx, &activity.Activity{
		Type:      typ,
		ProjectID: prj.ID,
		Message:   fmt.Sprintf("%q %s", prj.Title, what),
	})
}
