package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
)

// ClaudeBackend runs tasks through the Claude agent CLI.
type ClaudeBackend struct{}

func NewClaudeBackend() *ClaudeBackend {
	return &ClaudeBackend{}
}

func (b *ClaudeBackend) Run(ctx context.Context, req Request, emit func(Output)) (string, error) {
	result, err := claudeagent.RunQuerySync(ctx, req.Prompt, b.options(req, emit))
	if err != nil {
		return "", err
	}
	if result.Result == nil {
		return "", fmt.Errorf("agent returned no result")
	}
	if result.Result.IsError {
		return "", fmt.Errorf("agent reported an error: %s", result.Result.Result)
	}
	emit(Output{Kind: OutputMessage, Content: result.Result.Result})
	return result.Result.Result, nil
}

func (b *ClaudeBackend) options(req Request, emit func(Output)) *claudeagent.ClaudeAgentOptions {
	permMode := claudeagent.PermissionModeBypassPermissions
	if req.PermissionMode != "" {
		permMode = claudeagent.PermissionMode(req.PermissionMode)
	}
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   req.SystemPrompt,
		Cwd:            req.WorkDir,
		PermissionMode: permMode,
		CanUseTool: func(toolName string, input map[string]any, _ claudeagent.ToolPermissionContext) (claudeagent.PermissionResult, error) {
			if len(req.Tools) > 0 && !slices.Contains(req.Tools, toolName) {
				emit(Output{Kind: OutputToolResult, Content: fmt.Sprintf("%s denied: not in the agent's tool list", toolName)})
				return claudeagent.PermissionResultDeny{Message: "tool not allowed for this agent"}, nil
			}
			emit(Output{Kind: OutputToolUse, Content: formatToolUse(toolName, input)})
			return claudeagent.PermissionResultAllow{}, nil
		},
		StderrCallback: func(line string) {
			emit(Output{Kind: OutputThinking, Content: line})
		},
	}
	if req.MaxTurns > 0 {
		maxTurns := req.MaxTurns
		opts.MaxTurns = &maxTurns
	}
	return opts
}

func formatToolUse(name string, input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil || len(input) == 0 {
		return name
	}
	return name + " " + string(data)
}
