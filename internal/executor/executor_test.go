package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/task"
)

type funcBackend func(ctx context.Context, req Request, emit func(Output)) (string, error)

func (f funcBackend) Run(ctx context.Context, req Request, emit func(Output)) (string, error) {
	return f(ctx, req, emit)
}

func collect(t *testing.T, inv *Invocation) ([]Output, []*Terminal) {
	t.Helper()
	var outs []Output
	var terms []*Terminal
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-inv.Events():
			if !ok {
				return outs, terms
			}
			if ev.Output != nil {
				outs = append(outs, *ev.Output)
			}
			if ev.Terminal != nil {
				terms = append(terms, ev.Terminal)
			}
		case <-timeout:
			t.Fatal("invocation did not finish")
		}
	}
}

func testTask() *task.Task {
	return &task.Task{ID: "t1", ProjectID: "p1", Title: "Write docs", Description: "README"}
}

func testAgent() *agent.Agent {
	return &agent.Agent{ID: "a1", Name: "writer", Role: "technical writer", Backend: "fake"}
}

func TestExecute_Completed(t *testing.T) {
	var got Request
	a := NewAdapter(funcBackend(func(_ context.Context, req Request, emit func(Output)) (string, error) {
		got = req
		emit(Output{Kind: OutputThinking, Content: "planning"})
		emit(Output{Kind: OutputMessage, Content: "done"})
		return "wrote README", nil
	}), Options{WorkDir: "/work", MaxTurns: 7})

	outs, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, StatusCompleted, terms[0].Status)
	assert.Equal(t, "wrote README", terms[0].Summary)
	assert.NoError(t, terms[0].Err)
	assert.Equal(t, []Output{{OutputThinking, "planning"}, {OutputMessage, "done"}}, outs)

	assert.Equal(t, "/work", got.WorkDir)
	assert.Equal(t, 7, got.MaxTurns)
	assert.Contains(t, got.Prompt, "# Task: Write docs")
	assert.Contains(t, got.SystemPrompt, "technical writer")
}

func TestExecute_BackendError(t *testing.T) {
	boom := errors.New("boom")
	a := NewAdapter(funcBackend(func(context.Context, Request, func(Output)) (string, error) {
		return "", boom
	}), Options{})

	_, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, StatusError, terms[0].Status)
	assert.ErrorIs(t, terms[0].Err, ErrExecutorFailure)
	assert.ErrorIs(t, terms[0].Err, boom)
}

func TestExecute_Panic(t *testing.T) {
	a := NewAdapter(funcBackend(func(context.Context, Request, func(Output)) (string, error) {
		panic("backend exploded")
	}), Options{})

	_, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, StatusError, terms[0].Status)
	assert.ErrorIs(t, terms[0].Err, ErrExecutorFailure)
	assert.Contains(t, terms[0].Err.Error(), "backend exploded")
}

func TestExecute_Timeout(t *testing.T) {
	a := NewAdapter(funcBackend(func(ctx context.Context, _ Request, _ func(Output)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), Options{Timeout: 20 * time.Millisecond})

	_, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, StatusError, terms[0].Status)
	assert.ErrorIs(t, terms[0].Err, ErrTimeout)
}

func TestExecute_Cancel(t *testing.T) {
	started := make(chan struct{})
	a := NewAdapter(funcBackend(func(ctx context.Context, _ Request, _ func(Output)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), Options{})

	inv := a.Execute(context.Background(), testTask(), testAgent(), "")
	<-started
	inv.Cancel()
	inv.Cancel()

	_, terms := collect(t, inv)
	require.Len(t, terms, 1)
	assert.Equal(t, StatusStopped, terms[0].Status)
	assert.ErrorIs(t, terms[0].Err, ErrCancelRequested)
}

func TestExecute_CallerContextDoesNotCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	a := NewAdapter(funcBackend(func(ctx context.Context, _ Request, _ func(Output)) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), Options{})

	inv := a.Execute(ctx, testTask(), testAgent(), "")
	cancel()
	close(release)

	_, terms := collect(t, inv)
	require.Len(t, terms, 1)
	assert.Equal(t, StatusCompleted, terms[0].Status)
}

func TestExecute_RegisteredBackend(t *testing.T) {
	a := NewAdapter(funcBackend(func(context.Context, Request, func(Output)) (string, error) {
		return "fallback", nil
	}), Options{})
	a.Register("fake", funcBackend(func(context.Context, Request, func(Output)) (string, error) {
		return "fake", nil
	}))

	_, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, "fake", terms[0].Summary)

	other := testAgent()
	other.Backend = "unknown"
	_, terms = collect(t, a.Execute(context.Background(), testTask(), other, ""))
	require.Len(t, terms, 1)
	assert.Equal(t, "fallback", terms[0].Summary)
}

func TestExecute_NoBackend(t *testing.T) {
	a := NewAdapter(nil, Options{})
	_, terms := collect(t, a.Execute(context.Background(), testTask(), testAgent(), ""))
	require.Len(t, terms, 1)
	assert.Equal(t, StatusError, terms[0].Status)
	assert.ErrorIs(t, terms[0].Err, ErrExecutorFailure)
}
