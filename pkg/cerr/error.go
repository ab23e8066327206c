package cerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"

	"buf.build/gen/go/bufbuild/protovalidate/protocolbuffers/go/buf/validate"
	"connectrpc.com/connect"
	"google.golang.org/protobuf/proto"

	"github.com/kazz187/deepwork/pkg/clog"
)

type Error struct {
	Code    Code
	Msg     string          // message returned to the caller together with Code
	Err     error           // underlying error, logged but never returned
	Stack   string          // captured only for error-level codes
	Details []proto.Message // structured details returned to the caller
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.ConnectCodeToLevel(code.ConnectCode()) == clog.LevelError {
		stackTrace := make([]byte, 2048)
		n := runtime.Stack(stackTrace, false)
		err.Stack = string(stackTrace[0:n])
	}
	return err
}

func NewErrorWithDetails(code Code, msg string, underlying error, details []proto.Message) *Error {
	err := NewError(code, msg, underlying)
	err.Details = details
	return err
}

// Newf is NewError with a formatted message.
func Newf(code Code, underlying error, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...), underlying)
}

func (e *Error) AddDetailError(err proto.Message) {
	e.Details = append(e.Details, err)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) AddDetailMessage(msg string) error {
	protoMsg := validate.Violation{
		Message: &msg,
	}
	e.Details = append(e.Details, &protoMsg)
	return e
}

func (e *Error) AddDetailMessageWithCode(msg string, code string) error {
	protoMsg := validate.Violation{
		Message: &msg,
		RuleId:  &code,
	}
	e.Details = append(e.Details, &protoMsg)
	return e
}

func (e *Error) ConnectError() *connect.Error {
	connectErr := connect.NewError(e.Code.ConnectCode(), errors.New(e.Msg))
	for _, detailMsg := range e.Details {
		detail, err := connect.NewErrorDetail(detailMsg)
		if err != nil {
			continue
		}
		connectErr.AddDetail(detail)
	}
	return connectErr
}

// RequiredField builds an InvalidArgument error for a missing request field.
func RequiredField(field string) *Error {
	e := NewError(InvalidArgument, field+" is required", nil)
	_ = e.AddDetailMessageWithCode(field+" is required", "required")
	return e
}

// classify turns any handler error into an *Error and records the cause in
// the request's log attributes. A client that went away is Canceled, and
// errors without a code are Unknown.
func classify(ctx context.Context, err error) *Error {
	var dnsErr *net.DNSError
	if errors.Is(err, context.Canceled) || errors.As(err, &dnsErr) && dnsErr.Err == "operation was canceled" {
		return NewError(Canceled, "connection closed", err)
	}
	clog.AddError(ctx, err)
	var cErr *Error
	if !errors.As(err, &cErr) {
		return NewError(Unknown, "unknown error", err)
	}
	if cErr.Stack != "" {
		clog.AddStack(ctx, cErr.Stack)
	}
	return cErr
}

// ExtractConnectError is classify for connect handlers. Errors that already
// are connect errors, such as those from a nested RPC, pass through.
func ExtractConnectError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) && !errors.Is(err, context.Canceled) {
		clog.AddError(ctx, err)
		return connectErr
	}
	return classify(ctx, err).ConnectError()
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExtractToHTTPResponse renders the handler's outcome on the JSON API.
func ExtractToHTTPResponse(ctx context.Context, rw http.ResponseWriter, response *responseReceiver) {
	switch {
	case response.err != nil:
		writeJSONError(ctx, rw, classify(ctx, response.err))
	case response.response != nil:
		writeJSON(ctx, rw, response.response)
	}
}

func writeJSON(ctx context.Context, rw http.ResponseWriter, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		writeJSONError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write(buf.Bytes()); err != nil {
		clog.AddError(ctx, NewError(Internal, "server error", err))
	}
}

func writeJSONError(ctx context.Context, rw http.ResponseWriter, origErr *Error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(httpError{Code: origErr.Code.String(), Message: origErr.Msg}); err != nil {
		buf = bytes.NewBufferString(`{"code":"internal","message":"server error"}`)
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(origErr.Code.HTTPCode())
	if _, err := rw.Write(buf.Bytes()); err != nil {
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Unknown
}
