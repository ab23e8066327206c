package agentmanager

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "AgentManagerService"

type SubscribeCommandsRequest struct {
	AgentManagerID     string `json:"agent_manager_id"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
}

type HeartbeatRequest struct {
	AgentManagerID string `json:"agent_manager_id"`
}

type HeartbeatResponse struct{}

type ReportTaskOutputRequest struct {
	AgentManagerID string              `json:"agent_manager_id"`
	RunID          string              `json:"run_id"`
	Kind           executor.OutputKind `json:"kind"`
	Content        string              `json:"content"`
}

type ReportTaskResultRequest struct {
	AgentManagerID string `json:"agent_manager_id"`
	RunID          string `json:"run_id"`
	Summary        string `json:"summary"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

type ReportResponse struct{}

type ListAgentManagersRequest struct{}

type ListAgentManagersResponse struct {
	AgentManagers []ManagerInfo `json:"agent_managers"`
}

type Server struct {
	registry *Registry
}

func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.ServerStream(svc, "SubscribeCommands", s.SubscribeCommands)
	rpc.Unary(svc, "Heartbeat", s.Heartbeat)
	rpc.Unary(svc, "ReportTaskOutput", s.ReportTaskOutput)
	rpc.Unary(svc, "ReportTaskResult", s.ReportTaskResult)
	rpc.Unary(svc, "ListAgentManagers", s.ListAgentManagers)
	return svc.Handler()
}

func (s *Server) SubscribeCommands(ctx context.Context, req *connect.Request[SubscribeCommandsRequest], stream *connect.ServerStream[Command]) error {
	agentManagerID := req.Msg.AgentManagerID
	if agentManagerID == "" {
		return cerr.RequiredField("agent_manager_id").ConnectError()
	}

	slog.Info("agent-manager connected", "agent_manager_id", agentManagerID, "max_concurrent_tasks", req.Msg.MaxConcurrentTasks)

	commandCh := s.registry.Register(agentManagerID, req.Msg.MaxConcurrentTasks)
	defer func() {
		s.registry.Unregister(agentManagerID, commandCh)
		slog.Info("agent-manager disconnected", "agent_manager_id", agentManagerID)
	}()

	if err := stream.Send(&Command{Type: CommandRegistered}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-commandCh:
			if !ok {
				return nil
			}
			if err := stream.Send(cmd); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Heartbeat(ctx context.Context, req *connect.Request[HeartbeatRequest]) (*connect.Response[HeartbeatResponse], error) {
	if req.Msg.AgentManagerID == "" {
		return nil, cerr.RequiredField("agent_manager_id")
	}
	if !s.registry.UpdateHeartbeat(req.Msg.AgentManagerID) {
		return nil, cerr.NewError(cerr.NotFound, "agent-manager not connected", nil)
	}
	return connect.NewResponse(&HeartbeatResponse{}), nil
}

func (s *Server) ReportTaskOutput(ctx context.Context, req *connect.Request[ReportTaskOutputRequest]) (*connect.Response[ReportResponse], error) {
	out := &executor.Output{Kind: req.Msg.Kind, Content: req.Msg.Content}
	if !s.registry.deliver(req.Msg.AgentManagerID, req.Msg.RunID, report{output: out}) {
		return nil, cerr.Newf(cerr.NotFound, nil, "run %q is not waiting for output", req.Msg.RunID)
	}
	return connect.NewResponse(&ReportResponse{}), nil
}

func (s *Server) ReportTaskResult(ctx context.Context, req *connect.Request[ReportTaskResultRequest]) (*connect.Response[ReportResponse], error) {
	res := &result{summary: req.Msg.Summary, err: req.Msg.ErrorMessage}
	if !s.registry.deliver(req.Msg.AgentManagerID, req.Msg.RunID, report{result: res}) {
		return nil, cerr.Newf(cerr.NotFound, nil, "run %q is not waiting for a result", req.Msg.RunID)
	}
	return connect.NewResponse(&ReportResponse{}), nil
}

func (s *Server) ListAgentManagers(ctx context.Context, req *connect.Request[ListAgentManagersRequest]) (*connect.Response[ListAgentManagersResponse], error) {
	return connect.NewResponse(&ListAgentManagersResponse{AgentManagers: s.registry.List()}), nil
}
