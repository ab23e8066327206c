package task

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/message"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "TaskService"

type CreateTaskRequest struct {
	ProjectID           string   `json:"project_id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	TaskType            Type     `json:"task_type"`
	Priority            Priority `json:"priority"`
	AssigneeIDs         []string `json:"assignee_ids"`
	BlockedBy           []string `json:"blocked_by"`
	RequiredSpecialties []string `json:"required_specialties"`
	Tags                []string `json:"tags"`
	EstimatedMinutes    int      `json:"estimated_minutes"`
}

type TaskRequest struct {
	ID string `json:"id"`
}

type TaskResponse struct {
	Task *Task `json:"task"`
}

type ListTasksRequest struct {
	ProjectID string `json:"project_id"`
	Status    Status `json:"status"`
	AgentID   string `json:"agent_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type ListTasksResponse struct {
	Tasks []*Task        `json:"tasks"`
	Total int            `json:"total"`
	Stats map[Status]int `json:"stats"`
}

type UpdateTaskStatusRequest struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

type UpdateTaskPriorityRequest struct {
	ID       string   `json:"id"`
	Priority Priority `json:"priority"`
}

type AssignAgentsRequest struct {
	ID       string   `json:"id"`
	AgentIDs []string `json:"agent_ids"`
}

type RunTaskRequest struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

type RunTaskResponse struct {
	Run *Run `json:"run"`
}

type GetRunningTaskResponse struct {
	Run   *Run `json:"run,omitempty"`
	Ready bool `json:"ready"`
}

type ListRunningTasksRequest struct {
	ProjectID string `json:"project_id"`
}

type ListRunningTasksResponse struct {
	Runs []*Run `json:"runs"`
}

type DeleteTaskResponse struct{}

// Agents resolves assignee ids.
type Agents interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

type Server struct {
	store    *Store
	runner   Runner
	agents   Agents
	messages message.Repository
}

func NewServer(store *Store, runner Runner, agents Agents, messages message.Repository) *Server {
	return &Server{store: store, runner: runner, agents: agents, messages: messages}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "CreateTask", s.CreateTask)
	rpc.Unary(svc, "GetTask", s.GetTask)
	rpc.Unary(svc, "ListTasks", s.ListTasks)
	rpc.Unary(svc, "UpdateTaskStatus", s.UpdateTaskStatus)
	rpc.Unary(svc, "UpdateTaskPriority", s.UpdateTaskPriority)
	rpc.Unary(svc, "AssignAgents", s.AssignAgents)
	rpc.Unary(svc, "RunTask", s.RunTask)
	rpc.Unary(svc, "StopTask", s.StopTask)
	rpc.Unary(svc, "SkipTask", s.SkipTask)
	rpc.Unary(svc, "DeleteTask", s.DeleteTask)
	rpc.Unary(svc, "GetRunningTask", s.GetRunningTask)
	rpc.Unary(svc, "ListRunningTasks", s.ListRunningTasks)
	return svc.Handler()
}

// CreateTask creates a task. Without project_id the task is standalone.
func (s *Server) CreateTask(ctx context.Context, req *connect.Request[CreateTaskRequest]) (*connect.Response[TaskResponse], error) {
	if err := s.checkAgents(ctx, req.Msg.AssigneeIDs); err != nil {
		return nil, err
	}
	t, err := s.store.CreateTask(ctx, &Task{
		ProjectID:           req.Msg.ProjectID,
		Title:               req.Msg.Title,
		Description:         req.Msg.Description,
		Type:                req.Msg.TaskType,
		Priority:            req.Msg.Priority,
		AssigneeIDs:         dedupe(req.Msg.AssigneeIDs),
		BlockedBy:           req.Msg.BlockedBy,
		RequiredSpecialties: req.Msg.RequiredSpecialties,
		Tags:                req.Msg.Tags,
		EstimatedMinutes:    req.Msg.EstimatedMinutes,
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

func (s *Server) GetTask(ctx context.Context, req *connect.Request[TaskRequest]) (*connect.Response[TaskResponse], error) {
	t, err := s.store.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

// ListTasks pages through the matching tasks. Stats cover every match,
// not only the page.
func (s *Server) ListTasks(ctx context.Context, req *connect.Request[ListTasksRequest]) (*connect.Response[ListTasksResponse], error) {
	if req.Msg.Status != "" && !req.Msg.Status.Valid() {
		return nil, cerr.Newf(cerr.InvalidArgument, nil, "unknown status %q", req.Msg.Status)
	}
	f := Filter{ProjectID: req.Msg.ProjectID, Status: req.Msg.Status, AgentID: req.Msg.AgentID}
	all, _, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	f.Limit, f.Offset = 50, 0
	if req.Msg.Limit > 0 {
		f.Limit = req.Msg.Limit
	}
	if req.Msg.Offset > 0 {
		f.Offset = req.Msg.Offset
	}
	page, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListTasksResponse{Tasks: page, Total: total, Stats: Stats(all)}), nil
}

func (s *Server) UpdateTaskStatus(ctx context.Context, req *connect.Request[UpdateTaskStatusRequest]) (*connect.Response[TaskResponse], error) {
	if req.Msg.Status == "" {
		return nil, cerr.RequiredField("status")
	}
	t, err := s.store.UpdateStatus(ctx, req.Msg.ID, req.Msg.Status)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

func (s *Server) UpdateTaskPriority(ctx context.Context, req *connect.Request[UpdateTaskPriorityRequest]) (*connect.Response[TaskResponse], error) {
	t, err := s.store.UpdatePriority(ctx, req.Msg.ID, req.Msg.Priority)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

func (s *Server) AssignAgents(ctx context.Context, req *connect.Request[AssignAgentsRequest]) (*connect.Response[TaskResponse], error) {
	if err := s.checkAgents(ctx, req.Msg.AgentIDs); err != nil {
		return nil, err
	}
	t, err := s.store.AssignAgents(ctx, req.Msg.ID, req.Msg.AgentIDs)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

// RunTask returns as soon as the run has started. The outcome arrives on
// the event stream.
func (s *Server) RunTask(ctx context.Context, req *connect.Request[RunTaskRequest]) (*connect.Response[RunTaskResponse], error) {
	if req.Msg.ID == "" {
		return nil, cerr.RequiredField("id")
	}
	run, err := s.runner.RunTask(ctx, req.Msg.ID, req.Msg.AgentID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&RunTaskResponse{Run: run}), nil
}

func (s *Server) StopTask(ctx context.Context, req *connect.Request[TaskRequest]) (*connect.Response[TaskResponse], error) {
	t, err := s.runner.StopTask(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

func (s *Server) SkipTask(ctx context.Context, req *connect.Request[TaskRequest]) (*connect.Response[TaskResponse], error) {
	t, err := s.runner.SkipTask(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&TaskResponse{Task: t}), nil
}

// DeleteTask removes a task that is not running together with its
// messages.
func (s *Server) DeleteTask(ctx context.Context, req *connect.Request[TaskRequest]) (*connect.Response[DeleteTaskResponse], error) {
	if err := s.store.DeleteTask(ctx, req.Msg.ID); err != nil {
		return nil, err
	}
	if err := message.DeleteTask(ctx, s.messages, req.Msg.ID); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to delete task messages", err)
	}
	return connect.NewResponse(&DeleteTaskResponse{}), nil
}

// GetRunningTask reports the live run of a task, if any, and whether the
// task could start now.
func (s *Server) GetRunningTask(ctx context.Context, req *connect.Request[TaskRequest]) (*connect.Response[GetRunningTaskResponse], error) {
	ready, err := s.runner.IsTaskReady(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	res := &GetRunningTaskResponse{Ready: ready}
	if run, ok := s.runner.RunningTask(req.Msg.ID); ok {
		res.Run = run
	}
	return connect.NewResponse(res), nil
}

func (s *Server) ListRunningTasks(_ context.Context, req *connect.Request[ListRunningTasksRequest]) (*connect.Response[ListRunningTasksResponse], error) {
	return connect.NewResponse(&ListRunningTasksResponse{Runs: s.runner.RunningTasks(req.Msg.ProjectID)}), nil
}

func (s *Server) checkAgents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.agents.Get(ctx, id); err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return cerr.Newf(cerr.InvalidArgument, err, "unknown agent %q", id)
			}
			return err
		}
	}
	return nil
}
