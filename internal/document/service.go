package document

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/pkg/cerr"
)

// Service writes documents. It has no update path.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Add(ctx context.Context, projectID, taskID string, kind Kind, title, content string) (*Document, error) {
	if projectID == "" {
		return nil, cerr.RequiredField("project_id")
	}
	d := &Document{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		TaskID:    taskID,
		Kind:      kind,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Document, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// DeleteProject removes every document of a project.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	docs, _, err := s.repo.List(ctx, Filter{ProjectID: projectID}, 0, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range docs {
		if err := s.repo.Delete(ctx, d.ID); err != nil && !cerr.IsCode(err, cerr.NotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
