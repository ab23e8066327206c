package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/cerr"
)

// Store is the only writer of task records.
type Store struct {
	*store.Store[*Task]
	repo Repository
	now  func() time.Time
}

func NewStore(repo Repository, cacheSize int) *Store {
	return &Store{
		Store: store.New[*Task](repo, store.Options[*Task]{
			ID:        func(t *Task) string { return t.ID },
			Clone:     (*Task).Clone,
			CacheSize: cacheSize,
		}),
		repo: repo,
		now:  time.Now,
	}
}

func (s *Store) List(ctx context.Context, f Filter) ([]*Task, int, error) {
	return s.repo.List(ctx, f)
}

func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Task, error) {
	tasks, _, err := s.repo.List(ctx, Filter{ProjectID: projectID})
	return tasks, err
}

// InvalidatePath drops the cached task stored at path, if any.
func (s *Store) InvalidatePath(path string) {
	if id, ok := s.repo.PathID(path); ok {
		s.Invalidate(id)
	}
}

func (s *Store) withDefaults(t *Task) {
	now := s.now()
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Type == "" {
		t.Type = TypeAgent
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.EstimatedMinutes <= 0 {
		t.EstimatedMinutes = DefaultEstimatedMinutes
	}
	if t.Status == "" {
		t.Status = StatusInbox
		if len(t.AssigneeIDs) > 0 {
			t.Status = StatusAssigned
		}
	}
	t.Blocks = nil
	t.ActiveDescription = ""
	t.Error = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
}

func validateNew(t *Task) error {
	if t.Title == "" {
		return cerr.RequiredField("title")
	}
	if !t.Type.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown task type %q", t.Type), nil)
	}
	if !t.Priority.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown priority %q", t.Priority), nil)
	}
	if t.Status != StatusInbox && t.Status != StatusAssigned {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("a new task cannot start in %q", t.Status), nil)
	}
	return nil
}

// CreateTask creates a single task and links it into its blockers.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	created, err := s.CreateBatch(ctx, []*Task{t})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateBatch creates tasks that may block each other. Blockers must be in
// the batch or already stored in the same project. The combined graph must
// stay acyclic. blocks is derived, never taken from input.
func (s *Store) CreateBatch(ctx context.Context, tasks []*Task) ([]*Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	batch := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		s.withDefaults(t)
		if err := validateNew(t); err != nil {
			return nil, err
		}
		batch[t.ID] = t
	}

	outside := map[string]bool{}
	projects := map[string]bool{}
	for _, t := range tasks {
		projects[t.ProjectID] = true
		t.BlockedBy = dedupe(t.BlockedBy)
		for _, b := range t.BlockedBy {
			if b == t.ID {
				return nil, cerr.NewError(cerr.InvalidArgument, "a task cannot block itself", &graph.CycleError{Cycle: []string{t.ID, t.ID}})
			}
			if other, ok := batch[b]; ok {
				if other.ProjectID != t.ProjectID {
					return nil, crossProjectError(t.ID, b)
				}
				other.Blocks = append(other.Blocks, t.ID)
				continue
			}
			blocker, err := s.Get(ctx, b)
			if err != nil {
				if cerr.IsCode(err, cerr.NotFound) {
					return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("blocker %q does not exist", b), err)
				}
				return nil, err
			}
			if blocker.ProjectID != t.ProjectID {
				return nil, crossProjectError(t.ID, b)
			}
			outside[b] = true
		}
	}

	for projectID := range projects {
		if projectID == "" {
			continue
		}
		existing, err := s.ListByProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		nodes := Nodes(existing)
		for _, t := range tasks {
			if t.ProjectID == projectID {
				nodes = append(nodes, graph.Node{ID: t.ID, BlockedBy: t.BlockedBy})
			}
		}
		if _, err := graph.Build(nodes); err != nil {
			return nil, cerr.NewError(cerr.InvalidArgument, "dependency graph has a cycle", err)
		}
	}

	created := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if err := s.Create(ctx, t); err != nil {
			return created, err
		}
		created = append(created, t.Clone())
	}

	for b := range outside {
		_, err := s.Update(ctx, b, func(blocker *Task) error {
			for _, t := range tasks {
				if slices.Contains(t.BlockedBy, b) && !slices.Contains(blocker.Blocks, t.ID) {
					blocker.Blocks = append(blocker.Blocks, t.ID)
				}
			}
			blocker.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func crossProjectError(taskID, blockerID string) error {
	return cerr.NewError(cerr.InvalidArgument,
		fmt.Sprintf("task %q cannot be blocked by %q from another project", taskID, blockerID), nil)
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// UpdateStatus applies an API-requested status change.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) (*Task, error) {
	return s.Update(ctx, id, func(t *Task) error {
		if err := CheckManual(t, to); err != nil {
			return err
		}
		now := s.now()
		t.Status = to
		t.UpdatedAt = now
		if to == StatusDone {
			t.CompletedAt = &now
		}
		return nil
	})
}

func (s *Store) UpdatePriority(ctx context.Context, id string, p Priority) (*Task, error) {
	if !p.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown priority %q", p), nil)
	}
	return s.Update(ctx, id, func(t *Task) error {
		t.Priority = p
		t.UpdatedAt = s.now()
		return nil
	})
}

// AssignAgents replaces the assignee set. inbox and assigned follow whether
// the set is empty. A running or finished task keeps its assignees.
func (s *Store) AssignAgents(ctx context.Context, id string, agentIDs []string) (*Task, error) {
	agentIDs = dedupe(agentIDs)
	return s.Update(ctx, id, func(t *Task) error {
		if t.Status == StatusInProgress || t.Status.Final() {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("cannot reassign a task in %q", t.Status), ErrInvalidTransition)
		}
		t.AssigneeIDs = agentIDs
		switch {
		case t.Status == StatusInbox && len(agentIDs) > 0:
			t.Status = StatusAssigned
		case t.Status == StatusAssigned && len(agentIDs) == 0:
			t.Status = StatusInbox
		}
		t.UpdatedAt = s.now()
		return nil
	})
}

// DeleteTask removes a task that is not running and unlinks it from its
// neighbours.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	var removed *Task
	err := s.Delete(ctx, id, func(t *Task) error {
		if t.Status == StatusInProgress {
			return cerr.NewError(cerr.FailedPrecondition, "stop the task before deleting it", ErrInvalidTransition)
		}
		removed = t.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range removed.BlockedBy {
		errs = append(errs, s.unlink(ctx, b, id))
	}
	for _, d := range removed.Blocks {
		errs = append(errs, s.unlink(ctx, d, id))
	}
	return errors.Join(errs...)
}

func (s *Store) unlink(ctx context.Context, id, gone string) error {
	_, err := s.Update(ctx, id, func(t *Task) error {
		t.BlockedBy = slices.DeleteFunc(t.BlockedBy, func(x string) bool { return x == gone })
		t.Blocks = slices.DeleteFunc(t.Blocks, func(x string) bool { return x == gone })
		t.UpdatedAt = s.now()
		return nil
	})
	if cerr.IsCode(err, cerr.NotFound) {
		return nil
	}
	return err
}

// Unresolved returns the blockers of t that are neither done nor skipped.
// Blockers that no longer exist or belong to another project do not count.
func (s *Store) Unresolved(ctx context.Context, t *Task) ([]string, error) {
	var pending []string
	for _, b := range t.BlockedBy {
		blocker, err := s.Get(ctx, b)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				continue
			}
			return nil, err
		}
		if blocker.ProjectID != t.ProjectID {
			continue
		}
		if !blocker.Status.Resolved() {
			pending = append(pending, b)
		}
	}
	return pending, nil
}

// Nodes converts tasks into graph nodes.
func Nodes(tasks []*Task) []graph.Node {
	nodes := make([]graph.Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, graph.Node{ID: t.ID, BlockedBy: t.BlockedBy})
	}
	return nodes
}

// ProjectOf returns the project id of a task.
func (s *Store) ProjectOf(ctx context.Context, id string) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.ProjectID, nil
}
