package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task is a goal file for `pagepilot run --task`.
type Task struct {
	Goal    string `yaml:"goal"`
	URL     string `yaml:"url"`
	Context string `yaml:"context,omitempty"`
	// Approve lists tools whose confirmations are granted without asking.
	Approve []string `yaml:"approve,omitempty"`
}

// LoadTask reads and validates a YAML task file.
func LoadTask(path string) (*Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return ParseTask(raw)
}

// ParseTask decodes a task document. Unknown keys are rejected.
func ParseTask(raw []byte) (*Task, error) {
	var task Task
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	task.Goal = strings.TrimSpace(task.Goal)
	task.URL = strings.TrimSpace(task.URL)
	if task.Goal == "" {
		return nil, fmt.Errorf("task file: goal is required")
	}
	if task.URL == "" {
		return nil, fmt.Errorf("task file: url is required")
	}
	return &task, nil
}

// AutoApproves reports whether confirmations of tool are pre-approved.
func (t *Task) AutoApproves(tool string) bool {
	for _, name := range t.Approve {
		if name == tool || name == "*" {
			return true
		}
	}
	return false
}
