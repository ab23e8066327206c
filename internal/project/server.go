package project

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/activity"
	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/document"
	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/message"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "ProjectService"

// Lifecycle plans projects and moves them between statuses.
type Lifecycle interface {
	Start(ctx context.Context, req StartRequest) (*Project, error)
	Replan(ctx context.Context, projectID string) (*Project, error)
	Cancel(projectID string) bool
	Approve(ctx context.Context, projectID string) (*Project, error)
	Pause(ctx context.Context, projectID string) (*Project, error)
	Resume(ctx context.Context, projectID string) (*Project, error)
}

// Runs exposes the task runs of a project.
type Runs interface {
	StopProject(ctx context.Context, projectID string) error
	Levels(ctx context.Context, projectID string) (*graph.Levels, error)
}

type StartProjectRequest struct {
	Description   string        `json:"description"`
	Title         string        `json:"title"`
	ResearchDepth ResearchDepth `json:"research_depth"`
	WorkDir       string        `json:"work_dir"`
	Tags          []string      `json:"tags"`
	CreatorID     string        `json:"creator_id"`
}

type ProjectRequest struct {
	ID string `json:"id"`
}

type ProjectResponse struct {
	Project *Project `json:"project"`
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// GetProjectResponse is the full plan view of a project.
type GetProjectResponse struct {
	Project  *Project           `json:"project"`
	Tasks    []*task.Task       `json:"tasks"`
	Progress Progress           `json:"progress"`
	PRD      *document.Document `json:"prd,omitempty"`
	*graph.Levels
}

type ListProjectsRequest struct {
	Status Status `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type ListProjectsResponse struct {
	Projects []*Project `json:"projects"`
	Total    int        `json:"total"`
}

type DeleteProjectResponse struct{}

type Server struct {
	projects  *Store
	tasks     *task.Store
	agents    *agent.Store
	docs      *document.Service
	messages  message.Repository
	activity  *activity.Recorder
	lifecycle Lifecycle
	runs      Runs
}

func NewServer(
	projects *Store,
	tasks *task.Store,
	agents *agent.Store,
	docs *document.Service,
	messages message.Repository,
	recorder *activity.Recorder,
	lifecycle Lifecycle,
	runs Runs,
) *Server {
	return &Server{
		projects:  projects,
		tasks:     tasks,
		agents:    agents,
		docs:      docs,
		messages:  messages,
		activity:  recorder,
		lifecycle: lifecycle,
		runs:      runs,
	}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "StartProject", s.StartProject)
	rpc.Unary(svc, "GetProject", s.GetProject)
	rpc.Unary(svc, "ListProjects", s.ListProjects)
	rpc.Unary(svc, "ApproveProject", s.ApproveProject)
	rpc.Unary(svc, "PauseProject", s.PauseProject)
	rpc.Unary(svc, "ResumeProject", s.ResumeProject)
	rpc.Unary(svc, "ReplanProject", s.ReplanProject)
	rpc.Unary(svc, "DeleteProject", s.DeleteProject)
	return svc.Handler()
}

func (s *Server) StartProject(ctx context.Context, req *connect.Request[StartProjectRequest]) (*connect.Response[ProjectResponse], error) {
	if req.Msg.Description == "" {
		return nil, cerr.RequiredField("description")
	}
	p, err := s.lifecycle.Start(ctx, StartRequest{
		Description:   req.Msg.Description,
		Title:         req.Msg.Title,
		ResearchDepth: req.Msg.ResearchDepth,
		WorkDir:       req.Msg.WorkDir,
		Tags:          req.Msg.Tags,
		CreatorID:     req.Msg.CreatorID,
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ProjectResponse{Project: p}), nil
}

func (s *Server) GetProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[GetProjectResponse], error) {
	plan, err := s.Plan(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(plan), nil
}

// Plan assembles the plan view. Also served over plain HTTP.
func (s *Server) Plan(ctx context.Context, id string) (*GetProjectResponse, error) {
	p, err := s.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByProject(ctx, id)
	if err != nil {
		return nil, err
	}
	levels, err := s.runs.Levels(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &GetProjectResponse{
		Project:  p,
		Tasks:    tasks,
		Progress: progress(tasks),
		Levels:   levels,
	}
	if p.PRDDocumentID != "" {
		prd, err := s.docs.Get(ctx, p.PRDDocumentID)
		if err != nil && !cerr.IsCode(err, cerr.NotFound) {
			return nil, err
		}
		res.PRD = prd
	}
	return res, nil
}

func progress(tasks []*task.Task) Progress {
	pr := Progress{Total: len(tasks)}
	for _, t := range tasks {
		if t.Status.Resolved() {
			pr.Completed++
		}
	}
	if pr.Total > 0 {
		pr.Percent = pr.Completed * 100 / pr.Total
	}
	return pr
}

func (s *Server) ListProjects(ctx context.Context, req *connect.Request[ListProjectsRequest]) (*connect.Response[ListProjectsResponse], error) {
	limit, offset := 50, 0
	if req.Msg.Limit > 0 {
		limit = req.Msg.Limit
	}
	if req.Msg.Offset > 0 {
		offset = req.Msg.Offset
	}
	projects, total, err := s.projects.List(ctx, req.Msg.Status, limit, offset)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListProjectsResponse{Projects: projects, Total: total}), nil
}

func (s *Server) ApproveProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[ProjectResponse], error) {
	return s.respond(s.lifecycle.Approve(ctx, req.Msg.ID))
}

func (s *Server) PauseProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[ProjectResponse], error) {
	return s.respond(s.lifecycle.Pause(ctx, req.Msg.ID))
}

func (s *Server) ResumeProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[ProjectResponse], error) {
	return s.respond(s.lifecycle.Resume(ctx, req.Msg.ID))
}

func (s *Server) ReplanProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[ProjectResponse], error) {
	return s.respond(s.lifecycle.Replan(ctx, req.Msg.ID))
}

func (s *Server) respond(p *Project, err error) (*connect.Response[ProjectResponse], error) {
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ProjectResponse{Project: p}), nil
}

// DeleteProject cancels planning, stops running tasks and removes the
// project together with its tasks, messages, documents, agents and
// activity.
func (s *Server) DeleteProject(ctx context.Context, req *connect.Request[ProjectRequest]) (*connect.Response[DeleteProjectResponse], error) {
	if err := s.Delete(ctx, req.Msg.ID); err != nil {
		return nil, err
	}
	return connect.NewResponse(&DeleteProjectResponse{}), nil
}

func (s *Server) Delete(ctx context.Context, id string) error {
	p, err := s.projects.Get(ctx, id)
	if err != nil {
		return err
	}
	s.lifecycle.Cancel(id)
	if p.Status == StatusExecuting {
		// keep the orchestrator from starting anything while we tear down
		if _, err := s.projects.Transition(ctx, id, StatusPaused, nil); err != nil {
			slog.WarnContext(ctx, "project: failed to pause before delete", "project_id", id, "error", err)
		}
	}
	if err := s.runs.StopProject(ctx, id); err != nil {
		return err
	}

	var errs []error
	tasks, err := s.tasks.ListByProject(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		errs = append(errs, message.DeleteTask(ctx, s.messages, t.ID))
		if err := s.tasks.DeleteTask(ctx, t.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.docs.DeleteProject(ctx, id))

	agents, _, err := s.agents.List(ctx, id, 0, 0)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.ProjectID != id {
			continue
		}
		if err := s.agents.DeleteAgent(ctx, a.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.activity.DeleteProject(ctx, id))
	if err := errors.Join(errs...); err != nil {
		return cerr.NewError(cerr.Internal, "failed to delete project data", err)
	}
	return s.projects.Delete(ctx, id, nil)
}
