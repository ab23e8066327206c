package document

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "DocumentService"

type ListDocumentsRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Kind      Kind   `json:"kind"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type ListDocumentsResponse struct {
	Documents []*Document `json:"documents"`
	Total     int         `json:"total"`
}

type GetDocumentRequest struct {
	ID string `json:"id"`
}

type DocumentResponse struct {
	Document *Document `json:"document"`
}

type Server struct {
	svc *Service
}

func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "ListDocuments", s.ListDocuments)
	rpc.Unary(svc, "GetDocument", s.GetDocument)
	return svc.Handler()
}

func (s *Server) ListDocuments(ctx context.Context, req *connect.Request[ListDocumentsRequest]) (*connect.Response[ListDocumentsResponse], error) {
	if req.Msg.ProjectID == "" && req.Msg.TaskID == "" {
		return nil, cerr.RequiredField("project_id")
	}
	docs, total, err := s.svc.List(ctx, Filter{
		ProjectID: req.Msg.ProjectID,
		TaskID:    req.Msg.TaskID,
		Kind:      req.Msg.Kind,
	}, req.Msg.Limit, req.Msg.Offset)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListDocumentsResponse{Documents: docs, Total: total}), nil
}

func (s *Server) GetDocument(ctx context.Context, req *connect.Request[GetDocumentRequest]) (*connect.Response[DocumentResponse], error) {
	d, err := s.svc.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&DocumentResponse{Document: d}), nil
}
