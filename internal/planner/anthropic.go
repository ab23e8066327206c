package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kazz187/deepwork/internal/project"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 8192
)

const systemPrompt = `You are the planning lead of a small team of AI agents and humans.
You answer with a single JSON document and nothing else.`

var researchDepthHint = map[project.ResearchDepth]string{
	project.ResearchQuick:    "Keep it to the five most important facts and risks.",
	project.ResearchStandard: "Cover prior art, constraints, risks and open questions.",
	project.ResearchDeep:     "Be exhaustive: prior art, alternatives, constraints, risks, open questions and a glossary.",
}

// AnthropicPlanner plans projects with the Anthropic Messages API.
type AnthropicPlanner struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicPlanner(apiKey, model string, maxTokens int) *AnthropicPlanner {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicPlanner{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

func (p *AnthropicPlanner) Research(ctx context.Context, description string, depth project.ResearchDepth) (string, error) {
	var out struct {
		Notes string `json:"notes"`
	}
	prompt := fmt.Sprintf(`Research the following project before it is planned. %s
Answer as {"notes": "<markdown research notes>"}.

Project:
%s`, researchDepthHint[depth], description)
	if err := p.ask(ctx, prompt, &out); err != nil {
		return "", err
	}
	return out.Notes, nil
}

func (p *AnthropicPlanner) PRD(ctx context.Context, description, research string) (*PRD, error) {
	var out PRD
	prompt := fmt.Sprintf(`Write a product requirements document for the project below.
Answer as {"title": "<short project title>", "prd": "<markdown PRD>"}.

Project:
%s

Research notes:
%s`, description, research)
	if err := p.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *AnthropicPlanner) Tasks(ctx context.Context, description, prd string) ([]TaskSpec, error) {
	var out struct {
		Tasks []TaskSpec `json:"tasks"`
	}
	prompt := fmt.Sprintf(`Break the project into tasks. Each task has a unique short "key".
Use "task_type" agent for work an AI agent can do, human for work only a person can do
(approvals, payments, physical actions) and review for checking another task's output.
"priority" is low, medium or high. "blocked_by_keys" lists the keys a task depends on and
must not form a cycle.
Answer as {"tasks": [{"key", "title", "description", "task_type", "priority", "tags",
"estimated_minutes", "required_specialties", "blocked_by_keys"}]}.

Project:
%s

PRD:
%s`, description, prd)
	if err := p.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (p *AnthropicPlanner) Team(ctx context.Context, prd string, tasks []TaskSpec) ([]AgentSpec, error) {
	var out struct {
		Agents []AgentSpec `json:"agents"`
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(`Recommend the smallest team of AI agents that covers the required
specialties of the agent tasks below.
Answer as {"agents": [{"name", "role", "description", "specialties"}]}.

PRD:
%s

Tasks:
%s`, prd, data)
	if err := p.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (p *AnthropicPlanner) ask(ctx context.Context, prompt string, out any) error {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return fmt.Errorf("messages call failed: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return DecodeJSON(text.String(), out)
}

// DecodeJSON decodes the first JSON object in s, tolerating a markdown code
// fence or prose around it.
func DecodeJSON(s string, out any) error {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return errors.New("planner response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to decode planner response: %w", err)
	}
	return nil
}
