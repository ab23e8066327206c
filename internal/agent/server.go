package agent

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "AgentService"

type CreateAgentRequest struct {
	ProjectID      string   `json:"project_id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Description    string   `json:"description"`
	Specialties    []string `json:"specialties"`
	Backend        string   `json:"backend"`
	Prompt         string   `json:"prompt"`
	Tools          []string `json:"tools"`
	Model          string   `json:"model"`
	MaxTurns       int      `json:"max_turns"`
	PermissionMode string   `json:"permission_mode"`
}

type AgentResponse struct {
	Agent *Agent `json:"agent"`
}

type GetAgentRequest struct {
	ID string `json:"id"`
}

type ListAgentsRequest struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type ListAgentsResponse struct {
	Agents []*Agent       `json:"agents"`
	Total  int            `json:"total"`
	Stats  map[Status]int `json:"stats"`
}

// UpdateAgentRequest replaces the descriptive fields. Status and the current
// task are owned by the scheduler and cannot be set here.
type UpdateAgentRequest struct {
	ID string `json:"id"`
	CreateAgentRequest
}

type DeleteAgentRequest struct {
	ID string `json:"id"`
}

type DeleteAgentResponse struct{}

type ImportAgentsRequest struct {
	ProjectID string `json:"project_id"`
	Directory string `json:"directory"`
}

type ImportAgentsResponse struct {
	Agents  []*Agent `json:"agents"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
}

type Server struct {
	store *Store
}

func NewServer(store *Store) *Server {
	return &Server{store: store}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "CreateAgent", s.CreateAgent)
	rpc.Unary(svc, "GetAgent", s.GetAgent)
	rpc.Unary(svc, "ListAgents", s.ListAgents)
	rpc.Unary(svc, "UpdateAgent", s.UpdateAgent)
	rpc.Unary(svc, "DeleteAgent", s.DeleteAgent)
	rpc.Unary(svc, "ImportAgents", s.ImportAgents)
	return svc.Handler()
}

func (r *CreateAgentRequest) apply(a *Agent) {
	a.ProjectID = r.ProjectID
	a.Name = r.Name
	a.Role = r.Role
	a.Description = r.Description
	a.Specialties = r.Specialties
	if r.Backend != "" {
		a.Backend = r.Backend
	}
	a.Prompt = r.Prompt
	a.Tools = r.Tools
	a.Model = r.Model
	a.MaxTurns = r.MaxTurns
	a.PermissionMode = r.PermissionMode
}

func (s *Server) CreateAgent(ctx context.Context, req *connect.Request[CreateAgentRequest]) (*connect.Response[AgentResponse], error) {
	a := &Agent{}
	req.Msg.apply(a)
	created, err := s.store.CreateAgent(ctx, a)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&AgentResponse{Agent: created}), nil
}

func (s *Server) GetAgent(ctx context.Context, req *connect.Request[GetAgentRequest]) (*connect.Response[AgentResponse], error) {
	a, err := s.store.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&AgentResponse{Agent: a}), nil
}

func (s *Server) ListAgents(ctx context.Context, req *connect.Request[ListAgentsRequest]) (*connect.Response[ListAgentsResponse], error) {
	limit, offset := 50, 0
	if req.Msg.Limit > 0 {
		limit = req.Msg.Limit
	}
	if req.Msg.Offset > 0 {
		offset = req.Msg.Offset
	}
	all, _, err := s.store.List(ctx, req.Msg.ProjectID, 0, 0)
	if err != nil {
		return nil, err
	}
	stats := Stats(all)
	page, total, err := s.store.List(ctx, req.Msg.ProjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListAgentsResponse{Agents: page, Total: total, Stats: stats}), nil
}

func (s *Server) UpdateAgent(ctx context.Context, req *connect.Request[UpdateAgentRequest]) (*connect.Response[AgentResponse], error) {
	if req.Msg.ID == "" {
		return nil, cerr.RequiredField("id")
	}
	if req.Msg.Name == "" {
		return nil, cerr.RequiredField("name")
	}
	a, err := s.store.Update(ctx, req.Msg.ID, func(a *Agent) error {
		req.Msg.apply(a)
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&AgentResponse{Agent: a}), nil
}

func (s *Server) DeleteAgent(ctx context.Context, req *connect.Request[DeleteAgentRequest]) (*connect.Response[DeleteAgentResponse], error) {
	if err := s.store.DeleteAgent(ctx, req.Msg.ID); err != nil {
		return nil, err
	}
	return connect.NewResponse(&DeleteAgentResponse{}), nil
}

// ImportAgents creates or updates agents from the definition files in a
// directory, matching existing agents by project and name.
func (s *Server) ImportAgents(ctx context.Context, req *connect.Request[ImportAgentsRequest]) (*connect.Response[ImportAgentsResponse], error) {
	if req.Msg.Directory == "" {
		return nil, cerr.RequiredField("directory")
	}
	defs, err := LoadDefinitions(req.Msg.Directory)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "failed to load agent definitions", err)
	}

	res := &ImportAgentsResponse{}
	for _, def := range defs {
		existing, err := s.store.FindByName(ctx, req.Msg.ProjectID, def.Name)
		switch {
		case err == nil:
			updated, err := s.store.Update(ctx, existing.ID, func(a *Agent) error {
				def.Apply(a)
				a.UpdatedAt = time.Now()
				return nil
			})
			if err != nil {
				return nil, err
			}
			res.Agents = append(res.Agents, updated)
			res.Updated++
		case cerr.IsCode(err, cerr.NotFound):
			a := &Agent{ProjectID: req.Msg.ProjectID}
			def.Apply(a)
			created, err := s.store.CreateAgent(ctx, a)
			if err != nil {
				return nil, err
			}
			res.Agents = append(res.Agents, created)
			res.Created++
		default:
			return nil, err
		}
	}
	return connect.NewResponse(res), nil
}
