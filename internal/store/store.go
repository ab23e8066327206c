// Package store serializes writes to persisted records. Every write to a
// record id happens under that id's lock as a read-modify-write on a private
// copy, goes through a read-through cache, and is reported to a single commit
// hook once it is durable.
package store

import (
	"context"
	"sync"

	"github.com/kazz187/deepwork/internal/cache"
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

type Repository[T any] interface {
	Create(ctx context.Context, v T) error
	Get(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, v T) error
	Delete(ctx context.Context, id string) error
}

// CommitFunc observes committed writes. For OpDeleted v is the record as it
// was before deletion.
type CommitFunc[T any] func(ctx context.Context, op Op, v T)

type Options[T any] struct {
	ID        func(T) string
	Clone     func(T) T
	CacheSize int
}

type Store[T any] struct {
	repo  Repository[T]
	cache *cache.Cache[T]
	id    func(T) string
	clone func(T) T
	locks *keyedMutex

	hookMu   sync.RWMutex
	onCommit []CommitFunc[T]
}

func New[T any](repo Repository[T], opts Options[T]) *Store[T] {
	return &Store[T]{
		repo:  repo,
		cache: cache.New(opts.CacheSize, repo.Get, opts.Clone),
		id:    opts.ID,
		clone: opts.Clone,
		locks: newKeyedMutex(),
	}
}

// OnCommit registers a hook. Hooks run synchronously while the record lock is
// still held, so per-record notifications keep commit order. A hook must not
// write back into the same store.
func (s *Store[T]) OnCommit(fn CommitFunc[T]) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

func (s *Store[T]) notify(ctx context.Context, op Op, v T) {
	s.hookMu.RLock()
	hooks := s.onCommit
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, op, s.clone(v))
	}
}

func (s *Store[T]) Create(ctx context.Context, v T) error {
	id := s.id(v)
	unlock := s.locks.Lock(id)
	if err := s.repo.Create(ctx, v); err != nil {
		unlock()
		return err
	}
	s.cache.Put(id, v)
	s.notify(ctx, OpCreated, v)
	unlock()
	return nil
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	return s.cache.Get(ctx, id)
}

// Update applies mutate to a copy of the current record and persists the
// result. If mutate returns an error nothing is written and the error is
// returned as is.
func (s *Store[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	unlock := s.locks.Lock(id)
	cur, err := s.cache.Get(ctx, id)
	if err != nil {
		unlock()
		var zero T
		return zero, err
	}
	if err := mutate(cur); err != nil {
		unlock()
		var zero T
		return zero, err
	}
	if err := s.repo.Update(ctx, cur); err != nil {
		// the stored record may or may not have changed
		s.cache.Invalidate(id)
		unlock()
		var zero T
		return zero, err
	}
	s.cache.Put(id, cur)
	s.notify(ctx, OpUpdated, cur)
	unlock()
	return s.clone(cur), nil
}

// Delete removes the record. check, when non-nil, sees the current record
// under the lock and may veto the deletion.
func (s *Store[T]) Delete(ctx context.Context, id string, check func(T) error) error {
	unlock := s.locks.Lock(id)
	cur, err := s.cache.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if check != nil {
		if err := check(cur); err != nil {
			unlock()
			return err
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		s.cache.Invalidate(id)
		unlock()
		return err
	}
	s.cache.Invalidate(id)
	s.notify(ctx, OpDeleted, cur)
	unlock()
	return nil
}

// Invalidate drops a cached record, e.g. after the backing file was edited
// outside this process.
func (s *Store[T]) Invalidate(id string) {
	s.cache.Invalidate(id)
}
