package agentmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/executor"
)

var (
	ErrNoAgentManager      = errors.New("no agent manager has free capacity")
	ErrManagerUnavailable  = errors.New("agent manager did not accept the run")
	ErrManagerDisconnected = errors.New("agent manager disconnected during the run")
)

// Backend is an executor.Backend that hands runs to remote agent managers.
type Backend struct {
	registry *Registry
}

func NewBackend(registry *Registry) *Backend {
	return &Backend{registry: registry}
}

// Run dispatches req to the least busy manager and relays its reports.
// Cancelling ctx sends a cancel command; the remote side may not honor it.
func (b *Backend) Run(ctx context.Context, req executor.Request, emit func(executor.Output)) (string, error) {
	managerID, ok := b.registry.Acquire()
	if !ok {
		return "", ErrNoAgentManager
	}
	defer b.registry.Release(managerID)

	runID := ulid.Make().String()
	run, ok := b.registry.track(runID, managerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrManagerDisconnected, managerID)
	}
	defer b.registry.untrack(runID)

	if !b.registry.SendCommand(managerID, &Command{Type: CommandExecute, RunID: runID, Request: &req}) {
		return "", fmt.Errorf("%w: %s", ErrManagerUnavailable, managerID)
	}
	slog.InfoContext(ctx, "remote run dispatched", "run_id", runID, "task_id", req.TaskID, "agent_manager_id", managerID)

	for {
		select {
		case <-ctx.Done():
			if !b.registry.SendCommand(managerID, &Command{Type: CommandCancel, RunID: runID}) {
				slog.WarnContext(ctx, "remote cancel not delivered", "run_id", runID, "agent_manager_id", managerID)
			}
			return "", ctx.Err()
		case <-run.gone:
			return "", fmt.Errorf("%w: %s", ErrManagerDisconnected, managerID)
		case rep := <-run.reports:
			if rep.output != nil {
				emit(*rep.output)
				continue
			}
			if rep.result.err != "" {
				return rep.result.summary, errors.New(rep.result.err)
			}
			return rep.result.summary, nil
		}
	}
}
