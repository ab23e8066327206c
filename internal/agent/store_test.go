package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/agent/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

func newStore(t *testing.T) *agent.Store {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return agent.NewStore(repositoryimpl.NewYAMLRepository(local), 0)
}

func TestClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.CreateAgent(ctx, &agent.Agent{Name: "dev"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, agent.DefaultBackend, a.Backend)

	a, err = s.Claim(ctx, a.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a.Status)
	assert.Equal(t, "t1", a.CurrentTaskID)

	_, err = s.Claim(ctx, a.ID, "t2")
	require.ErrorIs(t, err, agent.ErrBusy)

	// a stale release for another task leaves the binding alone
	require.NoError(t, s.Release(ctx, a.ID, "t2"))
	a, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", a.CurrentTaskID)

	require.NoError(t, s.Release(ctx, a.ID, "t1"))
	a, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Empty(t, a.CurrentTaskID)

	require.NoError(t, s.Release(ctx, "missing", "t1"))
}

func TestDeleteBusyAgentIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.CreateAgent(ctx, &agent.Agent{Name: "dev"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, a.ID, "t1")
	require.NoError(t, err)

	err = s.DeleteAgent(ctx, a.ID)
	require.ErrorIs(t, err, agent.ErrBusy)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	require.NoError(t, s.Release(ctx, a.ID, "t1"))
	require.NoError(t, s.DeleteAgent(ctx, a.ID))
}

func TestCoverage(t *testing.T) {
	a := &agent.Agent{Specialties: []string{"Go", "sql"}}
	assert.Equal(t, 2, a.Coverage([]string{"go", "SQL", "react"}))
	assert.Equal(t, 0, a.Coverage(nil))
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend-dev.md"), []byte(`---
role: Backend Developer
description: Writes Go services
specialties: [go, sql]
tools: Read, Edit, Bash
maxTurns: 12
---
You write small, tested Go packages.
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.md"), []byte("Just a prompt."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := agent.LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	byName := map[string]*agent.Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	dev := byName["backend-dev"]
	require.NotNil(t, dev)
	assert.Equal(t, "Backend Developer", dev.Role)
	assert.Equal(t, []string{"go", "sql"}, dev.Specialties)
	assert.Equal(t, []string{"Read", "Edit", "Bash"}, []string(dev.Tools))
	assert.Equal(t, 12, dev.MaxTurns)
	assert.Equal(t, "You write small, tested Go packages.", dev.Prompt)

	assert.Equal(t, "Just a prompt.", byName["plain"].Prompt)

	missing, err := agent.LoadDefinitions(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
