package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agendo/agendo/internal/domain"
)

func TestResolvePromptTaskFields(t *testing.T) {
	task := &domain.Task{Title: "Fix login", Description: "Session cookie expires too early"}

	got := ResolvePrompt("Work on {{task_title}}: {{task_description}}", task, nil)
	assert.Equal(t, "Work on Fix login: Session cookie expires too early", got)
}

func TestResolvePromptInputContext(t *testing.T) {
	task := &domain.Task{
		Title: "t",
		InputContext: &domain.InputContext{
			WorkingDir:      "/repos/app",
			PromptAdditions: "Prefer small commits.",
			Args:            map[string]any{"branch": "main"},
		},
	}

	got := ResolvePrompt("cd {{input_context.working_dir}} on {{input_context.args.branch}}. {{input_context.prompt_additions}}", task, nil)
	assert.Equal(t, "cd /repos/app on main. Prefer small commits.", got)
}

func TestResolvePromptArgs(t *testing.T) {
	args := map[string]any{
		"target": "api",
		"count":  float64(3),
		"deep":   map[string]any{"nested": "value"},
	}

	assert.Equal(t, "api", ResolvePrompt("{{target}}", nil, args))
	assert.Equal(t, "3", ResolvePrompt("{{count}}", nil, args))
	assert.Equal(t, "value", ResolvePrompt("{{deep.nested}}", nil, args))
}

func TestResolvePromptUnresolvedExpandsEmpty(t *testing.T) {
	got := ResolvePrompt("before {{missing}} after", &domain.Task{}, nil)
	assert.Equal(t, "before  after", got)
}

func TestResolvePromptNonScalarExpandsEmpty(t *testing.T) {
	args := map[string]any{"list": []any{"a", "b"}}
	assert.Equal(t, "", ResolvePrompt("{{list}}", nil, args))
}
