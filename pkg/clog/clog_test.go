package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestScope(t *testing.T) {
	type runTaskRequest struct {
		ID          string   `json:"id"`
		AgentID     string   `json:"agent_id,omitempty"`
		ProjectID   string   `json:"project_id"`
		AssigneeIDs []string `json:"assignee_ids"`
		Title       string   `json:"title"`
		internalID  string
	}
	req := &runTaskRequest{ID: "t1", AgentID: "a1", AssigneeIDs: []string{"a2"}, Title: "docs", internalID: "x"}

	assert.Equal(t, map[string]any{"task_id": "t1", "agent_id": "a1"}, requestScope(req, "task_id"))
	assert.Equal(t, map[string]any{"agent_id": "a1"}, requestScope(req, ""))
	assert.Nil(t, requestScope((*runTaskRequest)(nil), "task_id"))
	assert.Nil(t, requestScope("t1", "task_id"))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "TaskService", serviceName("/deepwork.v1.TaskService/GetTask"))
	assert.Equal(t, "Health", serviceName("/grpc.health.v1.Health/Check"))
	assert.Equal(t, "", serviceName(""))
}

func TestConnectCodeToLevel(t *testing.T) {
	assert.Equal(t, LevelInfo, ConnectCodeToLevel(connect.CodeAborted))
	assert.Equal(t, LevelInfo, ConnectCodeToLevel(connect.CodeFailedPrecondition))
	assert.Equal(t, LevelWarn, ConnectCodeToLevel(connect.CodeResourceExhausted))
	assert.Equal(t, LevelError, ConnectCodeToLevel(connect.CodeUnavailable))
	assert.Equal(t, LevelError, ConnectCodeToLevel(connect.Code(99)))

	assert.Equal(t, LevelWarn, HTTPStatusToLevel(404))
	assert.Equal(t, LevelInfo, HTTPStatusToLevel(499))
	assert.Equal(t, LevelError, HTTPStatusToLevel(0))

	assert.Equal(t, LevelDebug, LevelInfo.Quieter())
	assert.Equal(t, LevelDebug, LevelDebug.Quieter())
	assert.Equal(t, slog.LevelWarn, LevelWarn.Slog())
}

func TestAttributesHandlerRecordWins(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewAttributesHandler(slog.NewJSONHandler(buf, nil)))

	ctx := ContextWithAttributes(context.Background(), map[string]any{
		"task_id":    "from-rpc",
		"project_id": "p1",
		"component":  "rpc",
	})
	logger.With("component", "scheduler").InfoContext(ctx, "run started", "task_id", "t2")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "t2", line["task_id"])
	assert.Equal(t, "p1", line["project_id"])
	assert.Equal(t, "scheduler", line["component"])
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"task_id"`)))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"component"`)))
}

func TestAttributesHandlerWithoutContext(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewAttributesHandler(slog.NewJSONHandler(buf, nil)))
	logger.InfoContext(context.Background(), "plain", "task_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "t1", line["task_id"])
}
