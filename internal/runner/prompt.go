package runner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/agendo/agendo/internal/domain"
)

var promptPlaceholder = regexp.MustCompile(`\{\{([\w.]+)\}\}`)

// ResolvePrompt interpolates {{name}} and dotted {{a.b}} placeholders from
// the task, its input context, and the execution's argument map. Unresolved
// placeholders expand to empty.
func ResolvePrompt(template string, task *domain.Task, args map[string]any) string {
	return promptPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{}")
		return lookupPlaceholder(name, task, args)
	})
}

func lookupPlaceholder(name string, task *domain.Task, args map[string]any) string {
	switch name {
	case "task_title":
		if task != nil {
			return task.Title
		}
		return ""
	case "task_description":
		if task != nil {
			return task.Description
		}
		return ""
	}

	if rest, ok := strings.CutPrefix(name, "input_context."); ok {
		return lookupInputContext(rest, task)
	}

	if value, ok := lookupDotted(args, name); ok {
		return stringify(value)
	}
	return ""
}

func lookupInputContext(field string, task *domain.Task) string {
	if task == nil || task.InputContext == nil {
		return ""
	}
	ic := task.InputContext
	switch field {
	case "working_dir":
		return ic.WorkingDir
	case "prompt_additions":
		return ic.PromptAdditions
	}
	if rest, ok := strings.CutPrefix(field, "args."); ok {
		if value, found := lookupDotted(ic.Args, rest); found {
			return stringify(value)
		}
	}
	return ""
}

// lookupDotted walks a dotted path through nested maps.
func lookupDotted(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return ""
	}
}
