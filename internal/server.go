package internal

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/agentmanager"
	"github.com/kazz187/deepwork/internal/config"
	"github.com/kazz187/deepwork/internal/document"
	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/clog"
)

// Service is a connect service mounted under its own path prefix.
type Service interface {
	Handler(opts ...connect.HandlerOption) (string, http.Handler)
}

// PlanSource serves the plan view on the plain JSON API.
type PlanSource interface {
	Plan(ctx context.Context, id string) (*project.GetProjectResponse, error)
}

type Server struct {
	server   *http.Server
	env      *config.Env
	plans    PlanSource
	services []Service
}

func NewServer(env *config.Env, plans PlanSource, services ...Service) *Server {
	return &Server{
		env:      env,
		plans:    plans,
		services: services,
	}
}

// Handler builds the full handler stack: API key check, CORS and h2c around
// the connect services, the health endpoints and the JSON API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseMiddleware(),
		)
		r.Get("/projects/{project_id}/plan", cerr.JSONHandler(func(r *http.Request) (*project.GetProjectResponse, error) {
			return s.plans.Plan(r.Context(), chi.URLParam(r, "project_id"))
		}))
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	handlerOpts := connect.WithInterceptors(s.interceptors()...)
	names := make([]string, 0, len(s.services))
	for _, svc := range s.services {
		path, h := svc.Handler(handlerOpts)
		mux.Handle(path, h)
		names = append(names, strings.Trim(path, "/"))
	}
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker(names...)))

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe starts the HTTP server. The provided context is used as the
// base context for all incoming requests via http.Server.BaseContext. When ctx
// is cancelled (e.g. on shutdown signal), all streaming RPC contexts are also
// cancelled, allowing the server to shut down without waiting for streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) interceptors() []connect.Interceptor {
	return []connect.Interceptor{
		clog.NewSlogConnectInterceptor(
			clog.WithIDAttributes(map[string]string{
				project.ServiceName:  "project_id",
				task.ServiceName:     "task_id",
				agent.ServiceName:    "agent_id",
				document.ServiceName: "document_id",
			}),
			clog.WithQuietProcedures("/"+rpc.Package+"."+agentmanager.ServiceName+"/Heartbeat"),
		),
		cerr.NewConvertConnectErrorInterceptor(),
	}
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip API key check for health endpoints.
		if r.URL.Path == "/health" || r.URL.Path == "/"+grpchealth.HealthV1ServiceName+"/Check" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
