package clog

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"connectrpc.com/connect"
)

type connectConfig struct {
	idKeys map[string]string
	quiet  map[string]bool
}

type ConnectOption func(*connectConfig)

// WithIDAttributes names the attribute a request's bare "id" field is
// logged under, per service: {"TaskService": "task_id"}.
func WithIDAttributes(keys map[string]string) ConnectOption {
	return func(cfg *connectConfig) {
		for svc, key := range keys {
			cfg.idKeys[svc] = key
		}
	}
}

// WithQuietProcedures logs successful calls of the given procedures one level
// lower. Periodic calls such as heartbeats use it.
func WithQuietProcedures(procedures ...string) ConnectOption {
	return func(cfg *connectConfig) {
		for _, p := range procedures {
			cfg.quiet[p] = true
		}
	}
}

type slogConnectInterceptor struct {
	cfg connectConfig
}

// NewSlogConnectInterceptor logs one line per call, or per stream when it
// ends. The line carries the procedure, the result code and every *_id field
// of the request, so a call is found by the project, task or agent it touched.
func NewSlogConnectInterceptor(opts ...ConnectOption) connect.Interceptor {
	cfg := connectConfig{idKeys: map[string]string{}, quiet: map[string]bool{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &slogConnectInterceptor{cfg: cfg}
}

func (s *slogConnectInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		ctx = s.begin(ctx, req.Spec())
		AddAttribute(ctx, "method", req.HTTPMethod())
		AddAttributes(ctx, s.scope(req.Spec(), req.Any()))
		resp, err := next(ctx, req)
		s.finish(ctx, req.Spec(), start, err)
		return resp, err
	}
}

func (s *slogConnectInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (s *slogConnectInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		ctx = s.begin(ctx, conn.Spec())
		log(ctx, LevelInfo, "Connected")
		err := next(ctx, &scopedConn{StreamingHandlerConn: conn, ctx: ctx, s: s})
		s.finish(ctx, conn.Spec(), start, err)
		return err
	}
}

func (s *slogConnectInterceptor) begin(ctx context.Context, spec connect.Spec) context.Context {
	ctx = ContextWithSlog(ctx)
	AddAttributes(ctx, map[string]any{
		"procedure":   spec.Procedure,
		"stream_type": spec.StreamType.String(),
	})
	return ctx
}

func (s *slogConnectInterceptor) finish(ctx context.Context, spec connect.Spec, start time.Time, err error) {
	AddAttribute(ctx, "duration", time.Since(start))
	if err == nil {
		AddAttribute(ctx, "code", "ok")
		level := LevelInfo
		if s.cfg.quiet[spec.Procedure] {
			level = level.Quieter()
		}
		log(ctx, level, "Finished")
		return
	}
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		connectErr = connect.NewError(connect.CodeUnknown, err)
	}
	AddAttribute(ctx, "code", connectErr.Code().String())
	if details := connectErr.Details(); len(details) > 0 {
		types := make([]string, 0, len(details))
		for _, d := range details {
			types = append(types, d.Type())
		}
		AddAttribute(ctx, "err_details", types)
	}
	log(ctx, ConnectCodeToLevel(connectErr.Code()), connectErr.Message())
}

func (s *slogConnectInterceptor) scope(spec connect.Spec, msg any) map[string]any {
	return requestScope(msg, s.cfg.idKeys[serviceName(spec.Procedure)])
}

// scopedConn adds the ids of the first received message to the stream's log
// attributes. Server streams receive exactly one.
type scopedConn struct {
	connect.StreamingHandlerConn
	ctx    context.Context
	s      *slogConnectInterceptor
	scoped bool
}

func (c *scopedConn) Receive(msg any) error {
	if err := c.StreamingHandlerConn.Receive(msg); err != nil {
		return err
	}
	if !c.scoped {
		c.scoped = true
		AddAttributes(c.ctx, c.s.scope(c.Spec(), msg))
	}
	return nil
}

// serviceName returns "TaskService" for "/deepwork.v1.TaskService/GetTask".
func serviceName(procedure string) string {
	svc, _, _ := strings.Cut(strings.TrimPrefix(procedure, "/"), "/")
	if i := strings.LastIndex(svc, "."); i >= 0 {
		svc = svc[i+1:]
	}
	return svc
}

// requestScope collects the non-empty string fields of a request struct whose
// json name ends in "_id". A bare "id" field is reported under idKey.
func requestScope(msg any, idKey string) map[string]any {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	attrs := map[string]any{}
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.String {
			continue
		}
		val := v.Field(i).String()
		if val == "" {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch {
		case name == "id" && idKey != "":
			attrs[idKey] = val
		case strings.HasSuffix(name, "_id"):
			attrs[name] = val
		}
	}
	return attrs
}
