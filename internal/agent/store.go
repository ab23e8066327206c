package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/cerr"
)

// ErrBusy is returned when claiming an agent that already runs a task.
var ErrBusy = errors.New("agent is busy")

type Store struct {
	*store.Store[*Agent]
	repo Repository
}

func NewStore(repo Repository, cacheSize int) *Store {
	return &Store{
		Store: store.New[*Agent](repo, store.Options[*Agent]{
			ID:        func(a *Agent) string { return a.ID },
			Clone:     (*Agent).Clone,
			CacheSize: cacheSize,
		}),
		repo: repo,
	}
}

func (s *Store) List(ctx context.Context, projectID string, limit, offset int) ([]*Agent, int, error) {
	return s.repo.List(ctx, projectID, limit, offset)
}

func (s *Store) FindByName(ctx context.Context, projectID, name string) (*Agent, error) {
	return s.repo.FindByName(ctx, projectID, name)
}

func (s *Store) InvalidatePath(path string) {
	if id, ok := s.repo.PathID(path); ok {
		s.Invalidate(id)
	}
}

func (s *Store) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	if a.Name == "" {
		return nil, cerr.RequiredField("name")
	}
	now := time.Now()
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	a.Status = StatusIdle
	a.CurrentTaskID = ""
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := s.Create(ctx, a); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// Claim binds the agent to taskID. An agent runs at most one task.
func (s *Store) Claim(ctx context.Context, agentID, taskID string) (*Agent, error) {
	return s.Update(ctx, agentID, func(a *Agent) error {
		if a.Busy() {
			return cerr.NewError(cerr.Aborted,
				fmt.Sprintf("agent %q is already running task %q", a.Name, a.CurrentTaskID), ErrBusy)
		}
		a.Status = StatusActive
		a.CurrentTaskID = taskID
		a.UpdatedAt = time.Now()
		return nil
	})
}

// HeldBy returns the agents bound to taskID.
func (s *Store) HeldBy(ctx context.Context, taskID string) ([]*Agent, error) {
	all, _, err := s.repo.List(ctx, "", 0, 0)
	if err != nil {
		return nil, err
	}
	var held []*Agent
	for _, a := range all {
		if a.CurrentTaskID == taskID {
			held = append(held, a)
		}
	}
	return held, nil
}

// Release frees the agent if it is still bound to taskID. Releasing an agent
// that has moved on, or no longer exists, is a no-op.
func (s *Store) Release(ctx context.Context, agentID, taskID string) error {
	_, err := s.Update(ctx, agentID, func(a *Agent) error {
		if a.CurrentTaskID != taskID {
			return errNotHolder
		}
		a.Status = StatusIdle
		a.CurrentTaskID = ""
		a.UpdatedAt = time.Now()
		return nil
	})
	if errors.Is(err, errNotHolder) || cerr.IsCode(err, cerr.NotFound) {
		return nil
	}
	return err
}

var errNotHolder = errors.New("agent is not bound to this task")

// DeleteAgent refuses to delete an agent that is running a task.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.Delete(ctx, id, func(a *Agent) error {
		if a.Busy() {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("agent is running task %q; stop it first", a.CurrentTaskID), ErrBusy)
		}
		return nil
	})
}
