// Package rpc mounts connect handlers for plain Go request and response
// structs. Messages travel as JSON through Codec, so connect, gRPC-Web and
// plain `curl -H 'Content-Type: application/json'` clients all work.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"
)

const Package = "deepwork.v1"

// Codec replaces connect's protobuf JSON codec under the same name.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Service collects the procedures of one service under /deepwork.v1.<Name>/.
type Service struct {
	name string
	mux  *http.ServeMux
	opts []connect.HandlerOption
}

func NewService(name string, opts ...connect.HandlerOption) *Service {
	return &Service{
		name: name,
		mux:  http.NewServeMux(),
		opts: append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...),
	}
}

func (s *Service) Path() string {
	return "/" + Package + "." + s.name + "/"
}

func (s *Service) Procedure(method string) string {
	return s.Path() + method
}

// Handler returns the path prefix and handler to mount on a ServeMux.
func (s *Service) Handler() (string, http.Handler) {
	return s.Path(), s.mux
}

func Unary[Req, Res any](s *Service, method string, fn func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error)) {
	procedure := s.Procedure(method)
	s.mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, s.opts...))
}

func ServerStream[Req, Res any](s *Service, method string, fn func(ctx context.Context, req *connect.Request[Req], stream *connect.ServerStream[Res]) error) {
	procedure := s.Procedure(method)
	s.mux.Handle(procedure, connect.NewServerStreamHandler(procedure, fn, s.opts...))
}

// NewClient builds a unary client for a procedure served by a Service. Used
// by tests and the CLI.
func NewClient[Req, Res any](httpClient connect.HTTPClient, baseURL, service, method string, opts ...connect.ClientOption) *connect.Client[Req, Res] {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return connect.NewClient[Req, Res](httpClient, baseURL+"/"+Package+"."+service+"/"+method, opts...)
}
