package clog

import (
	"context"
	"maps"
	"sync"
)

// bag is the mutable attribute set shared by everything running under one
// request or background run. Interceptors fill it in as they learn more
// (the task id from the request, the result code at the end).
type bag struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type bagKey struct{}

func bagFrom(ctx context.Context) *bag {
	b, _ := ctx.Value(bagKey{}).(*bag)
	return b
}

// ContextWithSlog starts an empty attribute bag. Attributes added to an outer
// bag are no longer visible through the returned context.
func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, bagKey{}, &bag{attrs: map[string]any{}})
}

// ContextWithAttributes starts a fresh bag seeded with attrs, for the
// scheduler runs and planner pipelines that outlive the request that started
// them.
func ContextWithAttributes(ctx context.Context, attrs map[string]any) context.Context {
	ctx = ContextWithSlog(ctx)
	AddAttributes(ctx, attrs)
	return ctx
}

func AddAttribute(ctx context.Context, key string, value any) {
	if b := bagFrom(ctx); b != nil {
		b.mu.Lock()
		b.attrs[key] = value
		b.mu.Unlock()
	}
}

// AddAttributes merges attrs into the bag. Nested maps merge key by key.
func AddAttributes(ctx context.Context, attrs map[string]any) {
	if b := bagFrom(ctx); b != nil {
		b.mu.Lock()
		mergeMaps(b.attrs, attrs)
		b.mu.Unlock()
	}
}

func GetAttribute[T any](ctx context.Context, key string) T {
	var zero T
	b := bagFrom(ctx)
	if b == nil {
		return zero
	}
	b.mu.RLock()
	v, ok := b.attrs[key].(T)
	b.mu.RUnlock()
	if !ok {
		return zero
	}
	return v
}

// GetAttributes returns a copy of the bag, or nil without one.
func GetAttributes(ctx context.Context) map[string]any {
	b := bagFrom(ctx)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.attrs)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		vMap, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		if dstMap, ok := dst[k].(map[string]any); ok {
			mergeMaps(dstMap, vMap)
		} else {
			dst[k] = vMap
		}
	}
}

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func GetError(ctx context.Context) error {
	return GetAttribute[error](ctx, ErrorAttributeKey)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

func GetStack(ctx context.Context) string {
	return GetAttribute[string](ctx, StackAttributeKey)
}
