// Package safety guards every spawn: working-directory containment,
// environment construction, argument validation, and binary checks.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

// baseEnvAllowlist is the only set of parent variables a child may inherit.
// Agent-specific extras are added on top; the parent environment is never
// spread wholesale.
var baseEnvAllowlist = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TZ"}

var (
	placeholderToken = regexp.MustCompile(`^\{\{(\w+)\}\}$`)
	safeArgValue     = regexp.MustCompile(`^[A-Za-z0-9\s/_.,@#:=+\-]*$`)
)

// ValidateWorkingDir resolves and checks a working directory against the
// allow-listed roots, returning the resolved path. Symlinks are resolved
// before the allow-list comparison so a link pointing outside a root is
// rejected.
func ValidateWorkingDir(path string, allowedRoots []string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", apperrors.SafetyViolation(fmt.Sprintf("working directory must be absolute: %s", path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", apperrors.SafetyViolation(fmt.Sprintf("working directory does not exist: %s", path))
	}
	if !info.IsDir() {
		return "", apperrors.SafetyViolation(fmt.Sprintf("working directory is not a directory: %s", path))
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", apperrors.SafetyViolation(fmt.Sprintf("failed to resolve working directory: %s", path))
	}
	for _, root := range allowedRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			resolvedRoot = filepath.Clean(root)
		}
		if resolved == resolvedRoot || strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", apperrors.SafetyViolation(fmt.Sprintf("working directory outside allowed roots: %s", resolved))
}

// BuildChildEnv constructs the child environment from scratch: the base
// allow-list, the agent's extra allow-list, then explicit overrides.
// TERM and COLORTERM are forced so CLI agents render consistently.
func BuildChildEnv(agentAllowlist []string, overrides map[string]string) []string {
	env := make([]string, 0, len(baseEnvAllowlist)+len(agentAllowlist)+len(overrides)+2)
	seen := make(map[string]bool)

	appendVar := func(name string) {
		if seen[name] {
			return
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
			seen[name] = true
		}
	}

	for _, name := range baseEnvAllowlist {
		appendVar(name)
	}
	for _, name := range agentAllowlist {
		appendVar(name)
	}
	for name, value := range overrides {
		if name == "TERM" || name == "COLORTERM" {
			continue
		}
		env = append(env, name+"="+value)
		seen[name] = true
	}

	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}

// BuildCommandArgs substitutes {{name}} placeholder tokens with validated
// scalar arguments. Literal tokens pass through untouched.
func BuildCommandArgs(tokens []string, args map[string]any) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		m := placeholderToken.FindStringSubmatch(token)
		if m == nil {
			out = append(out, token)
			continue
		}
		name := m[1]
		raw, ok := args[name]
		if !ok {
			return nil, apperrors.SafetyViolation(fmt.Sprintf("missing argument %q", name))
		}
		value, err := scalarString(name, raw)
		if err != nil {
			return nil, err
		}
		if !safeArgValue.MatchString(value) {
			return nil, apperrors.SafetyViolation(fmt.Sprintf("argument %q contains unsafe characters", name))
		}
		out = append(out, value)
	}
	return out, nil
}

// ValidateArgs checks an argument map against a capability's schema:
// no object or array values, all required names present, and per-property
// patterns enforced.
func ValidateArgs(schema *domain.ArgsSchema, args map[string]any) error {
	for name, value := range args {
		if _, err := scalarString(name, value); err != nil {
			return err
		}
	}
	if schema == nil {
		return nil
	}
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return apperrors.Validation(fmt.Sprintf("missing required argument %q", name))
		}
	}
	for name, prop := range schema.Properties {
		raw, ok := args[name]
		if !ok || prop.Pattern == "" {
			continue
		}
		value, err := scalarString(name, raw)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(prop.Pattern)
		if err != nil {
			return apperrors.Validation(fmt.Sprintf("invalid pattern for argument %q", name))
		}
		if !re.MatchString(value) {
			return apperrors.Validation(fmt.Sprintf("argument %q does not match pattern", name))
		}
	}
	return nil
}

// ValidateBinary checks that the agent binary exists and carries an
// executable bit.
func ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.SafetyViolation(fmt.Sprintf("agent binary not found: %s", path))
	}
	if info.IsDir() {
		return apperrors.SafetyViolation(fmt.Sprintf("agent binary is a directory: %s", path))
	}
	if info.Mode().Perm()&0o111 == 0 {
		return apperrors.SafetyViolation(fmt.Sprintf("agent binary is not executable: %s", path))
	}
	return nil
}

func scalarString(name string, raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "", nil
	default:
		return "", apperrors.Validation(fmt.Sprintf("argument %q must be a scalar", name))
	}
}
