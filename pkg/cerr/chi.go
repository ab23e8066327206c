package cerr

import (
	"context"
	"net/http"
)

type responseReceiverKey struct{}

// responseReceiver holds what a JSON API handler produced until the
// middleware renders it.
type responseReceiver struct {
	response any
	err      error
}

func receiverFrom(ctx context.Context) *responseReceiver {
	rr, _ := ctx.Value(responseReceiverKey{}).(*responseReceiver)
	return rr
}

func SetJSONResponse(ctx context.Context, response any) {
	if rr := receiverFrom(ctx); rr != nil {
		rr.response = response
	}
}

func SetJSONError(ctx context.Context, err error) {
	if rr := receiverFrom(ctx); rr != nil {
		rr.err = err
	}
}

func SetNewJSONError(ctx context.Context, code Code, msg string, err error) {
	SetJSONError(ctx, NewError(code, msg, err))
}

// JSONHandler adapts a read endpoint such as the project plan view: the
// returned value is rendered as JSON, the error as {"code","message"} with
// the code's HTTP status. Routes using it must sit behind
// NewJSONResponseMiddleware.
func JSONHandler[T any](fn func(r *http.Request) (T, error)) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		v, err := fn(r)
		if err != nil {
			SetJSONError(r.Context(), err)
			return
		}
		SetJSONResponse(r.Context(), v)
	}
}

// NewJSONResponseMiddleware renders whatever the handler set through
// SetJSONResponse or SetJSONError. A handler that wrote the response itself is
// left alone.
func NewJSONResponseMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rr := &responseReceiver{}
			ctx := context.WithValue(r.Context(), responseReceiverKey{}, rr)
			w := &writeTracker{ResponseWriter: rw}
			next.ServeHTTP(w, r.WithContext(ctx))
			if w.wrote {
				return
			}
			ExtractToHTTPResponse(ctx, rw, rr)
		})
	}
}

type writeTracker struct {
	http.ResponseWriter
	wrote bool
}

func (w *writeTracker) WriteHeader(status int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *writeTracker) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}
