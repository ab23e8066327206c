package project

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/cerr"
)

type Store struct {
	*store.Store[*Project]
	repo Repository
}

func NewStore(repo Repository, cacheSize int) *Store {
	return &Store{
		Store: store.New[*Project](repo, store.Options[*Project]{
			ID:        func(p *Project) string { return p.ID },
			Clone:     (*Project).Clone,
			CacheSize: cacheSize,
		}),
		repo: repo,
	}
}

func (s *Store) List(ctx context.Context, status Status, limit, offset int) ([]*Project, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Store) InvalidatePath(path string) {
	if id, ok := s.repo.PathID(path); ok {
		s.Invalidate(id)
	}
}

// CreateDraft stores a new project in draft.
func (s *Store) CreateDraft(ctx context.Context, p *Project) (*Project, error) {
	if p.Description == "" {
		return nil, cerr.RequiredField("description")
	}
	if p.ResearchDepth == "" {
		p.ResearchDepth = ResearchStandard
	}
	if !p.ResearchDepth.Valid() {
		return nil, cerr.Newf(cerr.InvalidArgument, nil, "unknown research depth %q", p.ResearchDepth)
	}
	if p.CreatorID == "" {
		p.CreatorID = DefaultCreatorID
	}
	now := time.Now()
	p.ID = ulid.Make().String()
	p.Status = StatusDraft
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.Create(ctx, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Transition moves the project to status to, applying mutate (if any) in the
// same write.
func (s *Store) Transition(ctx context.Context, id string, to Status, mutate func(*Project)) (*Project, error) {
	return s.Update(ctx, id, func(p *Project) error {
		if err := CheckTransition(p.Status, to); err != nil {
			return err
		}
		now := time.Now()
		p.Status = to
		p.UpdatedAt = now
		switch to {
		case StatusExecuting:
			if p.StartedAt == nil {
				p.StartedAt = &now
			}
		case StatusCompleted:
			p.CompletedAt = &now
		case StatusPlanning:
			p.Error = ""
		}
		if mutate != nil {
			mutate(p)
		}
		return nil
	})
}

// Patch updates fields without a status change.
func (s *Store) Patch(ctx context.Context, id string, mutate func(*Project)) (*Project, error) {
	return s.Update(ctx, id, func(p *Project) error {
		mutate(p)
		p.UpdatedAt = time.Now()
		return nil
	})
}
