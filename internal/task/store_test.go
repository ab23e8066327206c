package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/internal/task/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

func newStore(t *testing.T) *task.Store {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return task.NewStore(repositoryimpl.NewYAMLRepository(local), 0)
}

func TestCreateTaskDefaultsAndInverseEdges(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.CreateTask(ctx, &task.Task{ProjectID: "p1", Title: "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, task.StatusInbox, a.Status)
	assert.Equal(t, task.PriorityMedium, a.Priority)
	assert.Equal(t, task.TypeAgent, a.Type)
	assert.Equal(t, task.DefaultEstimatedMinutes, a.EstimatedMinutes)

	b, err := s.CreateTask(ctx, &task.Task{ProjectID: "p1", Title: "B", BlockedBy: []string{a.ID, a.ID}, AssigneeIDs: []string{"ag1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, b.BlockedBy)
	assert.Equal(t, task.StatusAssigned, b.Status)

	a, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, a.Blocks)
}

func TestCreateTaskRejectsBadBlockers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	other, err := s.CreateTask(ctx, &task.Task{ProjectID: "p2", Title: "elsewhere"})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, &task.Task{ProjectID: "p1", Title: "x", BlockedBy: []string{"nope"}})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = s.CreateTask(ctx, &task.Task{ProjectID: "p1", Title: "x", BlockedBy: []string{other.ID}})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = s.CreateTask(ctx, &task.Task{ProjectID: "p1"})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestCreateBatchDetectsCycles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.CreateBatch(ctx, []*task.Task{
		{ID: "a", ProjectID: "p1", Title: "a", BlockedBy: []string{"b"}},
		{ID: "b", ProjectID: "p1", Title: "b", BlockedBy: []string{"a"}},
	})
	require.ErrorIs(t, err, graph.ErrCycleDetected)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	tasks, _, err := s.List(ctx, task.Filter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateBatchLinksWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateBatch(ctx, []*task.Task{
		{ID: "a", ProjectID: "p1", Title: "a"},
		{ID: "b", ProjectID: "p1", Title: "b", BlockedBy: []string{"a"}},
		{ID: "c", ProjectID: "p1", Title: "c", BlockedBy: []string{"a"}},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	a, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, a.Blocks)
}

func TestUpdateStatusStateMachine(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tk, err := s.CreateTask(ctx, &task.Task{Title: "t"})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, tk.ID, task.StatusInProgress)
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, tk.ID, task.StatusDone)
	require.ErrorIs(t, err, task.ErrInvalidTransition, "agent tasks are finished by the scheduler")

	tk, err = s.UpdateStatus(ctx, tk.ID, task.StatusSkipped)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSkipped, tk.Status)

	_, err = s.UpdateStatus(ctx, tk.ID, task.StatusInbox)
	require.ErrorIs(t, err, task.ErrInvalidTransition, "skipped is final")

	_, err = s.UpdateStatus(ctx, "missing", task.StatusAssigned)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestHumanTaskCanBeCompletedManually(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tk, err := s.CreateTask(ctx, &task.Task{Title: "sign contract", Type: task.TypeHuman})
	require.NoError(t, err)
	tk, err = s.UpdateStatus(ctx, tk.ID, task.StatusDone)
	require.NoError(t, err)
	assert.NotNil(t, tk.CompletedAt)
	require.ErrorIs(t, task.CheckRun(tk), task.ErrInvalidTransition)
}

func TestAssignAgents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tk, err := s.CreateTask(ctx, &task.Task{Title: "t"})
	require.NoError(t, err)

	tk, err = s.AssignAgents(ctx, tk.ID, []string{"ag1", "ag1", "ag2"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, tk.Status)
	assert.Equal(t, []string{"ag1", "ag2"}, tk.AssigneeIDs)

	tk, err = s.AssignAgents(ctx, tk.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInbox, tk.Status)
}

func TestDeleteTaskUnlinksNeighbours(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.CreateBatch(ctx, []*task.Task{
		{ID: "a", ProjectID: "p1", Title: "a"},
		{ID: "b", ProjectID: "p1", Title: "b", BlockedBy: []string{"a"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, "a"))

	b, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, b.BlockedBy)

	_, err = s.Get(ctx, "a")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestDeleteRunningTaskIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tk, err := s.CreateTask(ctx, &task.Task{Title: "t"})
	require.NoError(t, err)
	_, err = s.Update(ctx, tk.ID, func(t *task.Task) error {
		t.Status = task.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteTask(ctx, tk.ID), task.ErrInvalidTransition)
}

func TestUnresolved(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.CreateBatch(ctx, []*task.Task{
		{ID: "a", ProjectID: "p1", Title: "a"},
		{ID: "b", ProjectID: "p1", Title: "b"},
		{ID: "c", ProjectID: "p1", Title: "c", BlockedBy: []string{"a", "b"}},
	})
	require.NoError(t, err)
	c, err := s.Get(ctx, "c")
	require.NoError(t, err)

	pending, err := s.Unresolved(ctx, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, pending)

	_, err = s.UpdateStatus(ctx, "a", task.StatusSkipped)
	require.NoError(t, err)
	pending, err = s.Unresolved(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, pending)
}

func TestStats(t *testing.T) {
	stats := task.Stats([]*task.Task{
		{Status: task.StatusDone}, {Status: task.StatusDone}, {Status: task.StatusInbox},
	})
	assert.Equal(t, 2, stats[task.StatusDone])
	assert.Equal(t, 1, stats[task.StatusInbox])
	assert.Equal(t, 0, stats[task.StatusBlocked])
	assert.Len(t, stats, len(task.Statuses))
}
