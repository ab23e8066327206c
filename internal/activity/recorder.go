package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/pkg/cerr"
)

// Recorder persists activity entries and announces them on the bus.
// Recording never fails the operation that produced the entry.
type Recorder struct {
	repo Repository
	bus  *eventbus.Bus
}

func NewRecorder(repo Repository, bus *eventbus.Bus) *Recorder {
	return &Recorder{repo: repo, bus: bus}
}

func (r *Recorder) Record(ctx context.Context, a *Activity) *Activity {
	a.ID = ulid.Make().String()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if err := r.repo.Create(ctx, a); err != nil {
		slog.ErrorContext(ctx, "activity: failed to store entry", "type", a.Type, "project_id", a.ProjectID, "error", err)
	}
	r.bus.PublishNew(eventbus.TypeActivityCreated, a.ProjectID, a.TaskID, eventbus.ActivityCreated{Activity: a})
	return a
}

func (r *Recorder) List(ctx context.Context, projectID string, limit int) ([]*Activity, int, error) {
	return r.repo.List(ctx, projectID, limit)
}

func (r *Recorder) DeleteProject(ctx context.Context, projectID string) error {
	entries, _, err := r.repo.List(ctx, projectID, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range entries {
		if err := r.repo.Delete(ctx, a.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
