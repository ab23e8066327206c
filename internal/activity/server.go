package activity

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/rpc"
)

const ServiceName = "ActivityService"

const defaultListLimit = 50

type ListActivityRequest struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
}

type ListActivityResponse struct {
	Activities []*Activity `json:"activities"`
	Total      int         `json:"total"`
}

type Server struct {
	recorder *Recorder
}

func NewServer(recorder *Recorder) *Server {
	return &Server{recorder: recorder}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "ListActivity", s.ListActivity)
	return svc.Handler()
}

func (s *Server) ListActivity(ctx context.Context, req *connect.Request[ListActivityRequest]) (*connect.Response[ListActivityResponse], error) {
	limit := req.Msg.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, total, err := s.recorder.List(ctx, req.Msg.ProjectID, limit)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListActivityResponse{Activities: entries, Total: total}), nil
}
