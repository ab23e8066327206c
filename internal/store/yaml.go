package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

// YAMLRepository persists one YAML document per record under prefix/<id>.yaml.
type YAMLRepository[T any] struct {
	storage storage.Storage
	prefix  string
	name    string
	id      func(T) string
	newT    func() T
}

// NewYAMLRepository builds a repository. name is used in error messages
// ("task not found"), newT must return a pointer to a fresh zero record.
func NewYAMLRepository[T any](s storage.Storage, prefix, name string, id func(T) string, newT func() T) *YAMLRepository[T] {
	return &YAMLRepository[T]{storage: s, prefix: prefix, name: name, id: id, newT: newT}
}

// path refuses ids that would name a file outside prefix/.
func (r *YAMLRepository[T]) path(id string) (string, error) {
	if id == "." || id == ".." || strings.ContainsAny(id, "/\\") {
		return "", cerr.WrapStorageError(cerr.StorageRead, r.name, id, storage.ErrInvalidPath)
	}
	return fmt.Sprintf("%s/%s.yaml", r.prefix, id), nil
}

// IDFromPath maps a storage path back to a record id, reporting false for
// paths outside this repository.
func (r *YAMLRepository[T]) IDFromPath(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, r.prefix+"/")
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".yaml")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (r *YAMLRepository[T]) Create(ctx context.Context, v T) error {
	id := r.id(v)
	p, err := r.path(id)
	if err != nil {
		return err
	}
	exists, err := r.storage.Exists(ctx, p)
	if err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, r.name, id, err)
	}
	if exists {
		return cerr.Newf(cerr.AlreadyExists, nil, "%s %q already exists", r.name, id)
	}
	return r.write(ctx, id, v)
}

func (r *YAMLRepository[T]) Get(ctx context.Context, id string) (T, error) {
	p, err := r.path(id)
	if err != nil {
		var zero T
		return zero, err
	}
	data, err := r.storage.Read(ctx, p)
	if err != nil {
		var zero T
		return zero, cerr.WrapStorageError(cerr.StorageRead, r.name, id, err)
	}
	v := r.newT()
	if err := yaml.Unmarshal(data, v); err != nil {
		var zero T
		return zero, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal %s: %w", r.name, err))
	}
	return v, nil
}

// All returns every record sorted by storage path. Unreadable entries are
// skipped.
func (r *YAMLRepository[T]) All(ctx context.Context) ([]T, error) {
	paths, err := r.storage.List(ctx, r.prefix)
	if err != nil {
		return nil, cerr.WrapStorageError(cerr.StorageRead, r.name+"s", "", err)
	}
	sort.Strings(paths)

	all := make([]T, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		v := r.newT()
		if err := yaml.Unmarshal(data, v); err != nil {
			continue
		}
		all = append(all, v)
	}
	return all, nil
}

func (r *YAMLRepository[T]) Update(ctx context.Context, v T) error {
	id := r.id(v)
	p, err := r.path(id)
	if err != nil {
		return err
	}
	exists, err := r.storage.Exists(ctx, p)
	if err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, r.name, id, err)
	}
	if !exists {
		return cerr.Newf(cerr.NotFound, nil, "%s %q not found", r.name, id)
	}
	return r.write(ctx, id, v)
}

func (r *YAMLRepository[T]) Delete(ctx context.Context, id string) error {
	p, err := r.path(id)
	if err != nil {
		return err
	}
	if err := r.storage.Delete(ctx, p); err != nil {
		return cerr.WrapStorageError(cerr.StorageDelete, r.name, id, err)
	}
	return nil
}

func (r *YAMLRepository[T]) write(ctx context.Context, id string, v T) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal %s: %w", r.name, err))
	}
	p, err := r.path(id)
	if err != nil {
		return err
	}
	if err := r.storage.Write(ctx, p, data); err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, r.name, id, err)
	}
	return nil
}

// Paginate applies limit/offset to a filtered slice and returns the total
// before pagination.
func Paginate[T any](all []T, limit, offset int) ([]T, int) {
	total := len(all)
	if offset >= total {
		return nil, total
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total
}
