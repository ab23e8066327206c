package message

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "MessageService"

type PostMessageRequest struct {
	TaskID   string `json:"task_id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

type PostMessageResponse struct {
	Message *Message `json:"message"`
}

type ListMessagesRequest struct {
	TaskID string `json:"task_id"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
}

// TaskLookup resolves the project of a task so message events can be
// filtered per project.
type TaskLookup interface {
	ProjectOf(ctx context.Context, taskID string) (string, error)
}

type Server struct {
	repo  Repository
	tasks TaskLookup
	bus   *eventbus.Bus
}

func NewServer(repo Repository, tasks TaskLookup, bus *eventbus.Bus) *Server {
	return &Server{repo: repo, tasks: tasks, bus: bus}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "PostMessage", s.PostMessage)
	rpc.Unary(svc, "ListMessages", s.ListMessages)
	return svc.Handler()
}

func (s *Server) PostMessage(ctx context.Context, req *connect.Request[PostMessageRequest]) (*connect.Response[PostMessageResponse], error) {
	if req.Msg.TaskID == "" {
		return nil, cerr.RequiredField("task_id")
	}
	if req.Msg.Content == "" {
		return nil, cerr.RequiredField("content")
	}
	projectID, err := s.tasks.ProjectOf(ctx, req.Msg.TaskID)
	if err != nil {
		return nil, err
	}
	author := req.Msg.AuthorID
	if author == "" {
		author = "human"
	}
	m := &Message{
		ID:        ulid.Make().String(),
		TaskID:    req.Msg.TaskID,
		AuthorID:  author,
		Content:   req.Msg.Content,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.TypeMessageCreated, projectID, m.TaskID, eventbus.RecordChanged{Op: "created", Record: m})
	return connect.NewResponse(&PostMessageResponse{Message: m}), nil
}

func (s *Server) ListMessages(ctx context.Context, req *connect.Request[ListMessagesRequest]) (*connect.Response[ListMessagesResponse], error) {
	if req.Msg.TaskID == "" {
		return nil, cerr.RequiredField("task_id")
	}
	msgs, total, err := s.repo.List(ctx, req.Msg.TaskID, req.Msg.Limit, req.Msg.Offset)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListMessagesResponse{Messages: msgs, Total: total}), nil
}

// DeleteTask removes every message of a task.
func DeleteTask(ctx context.Context, repo Repository, taskID string) error {
	msgs, _, err := repo.List(ctx, taskID, 0, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if err := repo.Delete(ctx, m.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
