package cerr

import (
	"errors"
	"fmt"

	"github.com/kazz187/deepwork/pkg/storage"
)

type StorageOp string

const (
	StorageRead   StorageOp = "read"
	StorageWrite  StorageOp = "write"
	StorageDelete StorageOp = "delete"
)

// WrapStorageError converts a storage failure on one record into the error
// returned to callers. id may be empty when the operation covers every record
// of kind. A missing object is NotFound, an id the storage refuses as a path
// (one containing "..") is InvalidArgument and anything else is Internal with
// the cause kept for the log.
func WrapStorageError(op StorageOp, kind, id string, err error) error {
	target := kind
	if id != "" {
		target = fmt.Sprintf("%s %q", kind, id)
	}
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		return Newf(InvalidArgument, err, "invalid %s id %q", kind, id)
	case errors.Is(err, storage.ErrNotFound) && op != StorageWrite:
		return NewError(NotFound, target+" not found", err)
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to %s %s: %w", op, target, err))
}
