package clog

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SlogChiMiddleware logs one line per JSON API request. Route parameters are
// only known once chi has routed the request, so the matched pattern and every
// URL parameter ({project_id} and the like) are added after the handler runs.
func SlogChiMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := ContextWithSlog(r.Context())
			AddAttributes(ctx, map[string]any{
				"method":    r.Method,
				"procedure": r.URL.Path,
			})
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					AddAttribute(ctx, "route", pattern)
				}
				for i, key := range rctx.URLParams.Keys {
					if key != "*" && i < len(rctx.URLParams.Values) {
						AddAttribute(ctx, key, rctx.URLParams.Values[i])
					}
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			AddAttributes(ctx, map[string]any{
				"status":        status,
				"bytes_written": ww.BytesWritten(),
				"duration":      time.Since(start),
			})
			log(ctx, HTTPStatusToLevel(status), http.StatusText(status))
		})
	}
}
