package clog

import (
	"context"
	"log/slog"

	"connectrpc.com/connect"
)

type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Quieter lowers l by one step, never below debug.
func (l Level) Quieter() Level {
	if l <= LevelDebug {
		return LevelDebug
	}
	return l - 1
}

func log(ctx context.Context, l Level, msg string) {
	slog.Log(ctx, l.Slog(), msg)
}

func HTTPStatusToLevel(status int) Level {
	switch {
	case status == 499, status >= 100 && status < 400:
		return LevelInfo
	case status >= 400 && status < 500:
		return LevelWarn
	default:
		return LevelError
	}
}

// ConnectCodeToLevel maps a code to the level its request is logged at.
// Caller mistakes and scheduling refusals (a busy agent, a task in the wrong
// status) are info. Capacity exhaustion is a warning so a saturated scheduler
// shows up. Server faults are errors and capture a stack in cerr.
func ConnectCodeToLevel(code connect.Code) Level {
	switch code {
	case connect.CodeCanceled,
		connect.CodeInvalidArgument,
		connect.CodeDeadlineExceeded,
		connect.CodeNotFound,
		connect.CodeAlreadyExists,
		connect.CodePermissionDenied,
		connect.CodeFailedPrecondition,
		connect.CodeAborted,
		connect.CodeOutOfRange,
		connect.CodeUnauthenticated:
		return LevelInfo
	case connect.CodeResourceExhausted:
		return LevelWarn
	default:
		return LevelError
	}
}
