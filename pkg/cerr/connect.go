package cerr

import (
	"context"

	"connectrpc.com/connect"
)

type convertConnectErrorInterceptor struct{}

// NewConvertConnectErrorInterceptor turns handler errors into connect errors
// on the way out. Only the *Error message reaches the caller; the underlying
// cause and stack go to the request's log attributes.
func NewConvertConnectErrorInterceptor() connect.Interceptor {
	return convertConnectErrorInterceptor{}
}

func (convertConnectErrorInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		resp, err := next(ctx, req)
		return resp, ExtractConnectError(ctx, err)
	}
}

func (convertConnectErrorInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (convertConnectErrorInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		return ExtractConnectError(ctx, next(ctx, conn))
	}
}

// Retryable reports whether a failed call to the server is worth repeating.
// A rejected API key or a request the server will never accept is not, so the
// agent-manager gives up on those instead of reconnecting forever.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch NewCodeFromConnectError(err) {
	case Unauthenticated, PermissionDenied, InvalidArgument, Unimplemented, NotFound:
		return false
	default:
		return true
	}
}
