package clog

import (
	"context"
	"log/slog"
	"slices"
)

// AttributesHandler adds the request's context attributes to every record.
// Keys the record already carries win, so a scheduler line logging its own
// task_id is not shadowed by the task_id of the RPC that started it.
type AttributesHandler struct {
	handler slog.Handler
	keys    map[string]bool
}

func NewAttributesHandler(handler slog.Handler) *AttributesHandler {
	return &AttributesHandler{handler: handler}
}

func (h *AttributesHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *AttributesHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := GetAttributes(ctx)
	if len(attrs) == 0 {
		return h.handler.Handle(ctx, record)
	}
	record.Attrs(func(a slog.Attr) bool {
		delete(attrs, a.Key)
		return true
	})
	for k := range h.keys {
		delete(attrs, k)
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		record.AddAttrs(slog.Any(k, attrs[k]))
	}
	return h.handler.Handle(ctx, record)
}

func (h *AttributesHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	keys := make(map[string]bool, len(h.keys)+len(attrs))
	for k := range h.keys {
		keys[k] = true
	}
	for _, a := range attrs {
		keys[a.Key] = true
	}
	return &AttributesHandler{handler: h.handler.WithAttrs(attrs), keys: keys}
}

func (h *AttributesHandler) WithGroup(name string) slog.Handler {
	return &AttributesHandler{handler: h.handler.WithGroup(name), keys: h.keys}
}
