package agent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is an agent described by a markdown file: YAML frontmatter
// between --- lines followed by the system prompt.
//
//	---
//	name: backend-dev
//	role: Backend Developer
//	specialties: [go, sql]
//	tools: Read, Edit, Bash
//	---
//	You write Go services...
type Definition struct {
	Name           string   `yaml:"name"`
	Role           string   `yaml:"role"`
	Description    string   `yaml:"description"`
	Specialties    []string `yaml:"specialties"`
	Backend        string   `yaml:"backend"`
	Tools          toolList `yaml:"tools"`
	Model          string   `yaml:"model"`
	MaxTurns       int      `yaml:"maxTurns"`
	PermissionMode string   `yaml:"permissionMode"`
	Prompt         string   `yaml:"-"`
}

// toolList accepts either a YAML list or a comma separated string.
type toolList []string

func (t *toolList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*t = append(*t, p)
		}
	}
	return nil
}

// ParseDefinition parses a definition file. name is used when the
// frontmatter does not set one.
func ParseDefinition(name string, data []byte) (*Definition, error) {
	def := &Definition{Name: name}
	body := data
	if rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\r\n"), []byte("---\n")); ok {
		front, after, found := bytes.Cut(rest, []byte("\n---"))
		if !found {
			return nil, fmt.Errorf("unterminated frontmatter")
		}
		if err := yaml.Unmarshal(front, def); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
		body = after
	}
	def.Prompt = strings.TrimSpace(string(body))
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// LoadDefinitions reads every *.md file in dir. A missing dir yields no
// definitions.
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agents directory: %w", err)
	}
	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		def, err := ParseDefinition(strings.TrimSuffix(entry.Name(), ".md"), data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Apply copies the definition onto a, keeping identity and runtime state.
func (d *Definition) Apply(a *Agent) {
	a.Name = d.Name
	a.Role = d.Role
	a.Description = d.Description
	a.Specialties = d.Specialties
	if d.Backend != "" {
		a.Backend = d.Backend
	}
	a.Prompt = d.Prompt
	a.Tools = []string(d.Tools)
	a.Model = d.Model
	a.MaxTurns = d.MaxTurns
	a.PermissionMode = d.PermissionMode
}
