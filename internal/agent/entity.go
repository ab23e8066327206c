package agent

import (
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
)

const DefaultBackend = "claude_agent_sdk"

type Agent struct {
	ID          string   `yaml:"id" json:"id"`
	ProjectID   string   `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	Name        string   `yaml:"name" json:"name"`
	Role        string   `yaml:"role" json:"role"`
	Description string   `yaml:"description" json:"description"`
	Specialties []string `yaml:"specialties,omitempty" json:"specialties,omitempty"`
	Backend     string   `yaml:"backend" json:"backend"`

	// Executor settings. Empty values fall back to the server defaults.
	Prompt         string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Tools          []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Model          string   `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTurns       int      `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty"`

	Status        Status    `yaml:"status" json:"status"`
	CurrentTaskID string    `yaml:"current_task_id,omitempty" json:"current_task_id,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
}

func (a *Agent) Clone() *Agent {
	c := *a
	c.Specialties = slices.Clone(a.Specialties)
	c.Tools = slices.Clone(a.Tools)
	return &c
}

func (a *Agent) Busy() bool {
	return a.CurrentTaskID != ""
}

// Coverage counts how many of required the agent lists as a specialty,
// case-insensitively.
func (a *Agent) Coverage(required []string) int {
	n := 0
	for _, r := range required {
		if slices.ContainsFunc(a.Specialties, func(s string) bool { return strings.EqualFold(s, r) }) {
			n++
		}
	}
	return n
}

// Stats counts agents by status.
func Stats(agents []*Agent) map[Status]int {
	stats := map[Status]int{StatusIdle: 0, StatusActive: 0}
	for _, a := range agents {
		stats[a.Status]++
	}
	return stats
}
