package template

import (
	"fmt"
	"regexp"
	"strings"

	"skillhub/internal/api"
)

// Mode controls how unresolvable placeholders are treated.
type Mode string

const (
	// ModeStrict raises INTERPOLATION_FAILED on any unresolvable token.
	ModeStrict Mode = "strict"
	// ModeLenient leaves the literal ${...} in place.
	ModeLenient Mode = "lenient"
)

// Context is what placeholders resolve against. Input is the execution's
// input payload, Variables the merged environment + runtime variables.
type Context struct {
	Input     map[string]interface{}
	Variables map[string]interface{}
}

// Engine resolves ${token} placeholders in strings, maps, and slices.
// The token grammar is deliberately small: dotted identifiers only.
type Engine struct {
	placeholderPattern *regexp.Regexp
	tokenPattern       *regexp.Regexp
}

// New creates a new interpolation engine.
func New() *Engine {
	return &Engine{
		placeholderPattern: regexp.MustCompile(`\$\{([^}]*)\}`),
		tokenPattern:       regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`),
	}
}

// Resolve replaces all placeholders in a value with actual values from the
// context, walking containers recursively. A string that is exactly one
// placeholder resolves to the native value; placeholders embedded in longer
// strings are coerced to their string form.
func (e *Engine) Resolve(value interface{}, ctx *Context, mode Mode) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, ctx, mode)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, val := range v {
			rv, err := e.Resolve(val, ctx, mode)
			if err != nil {
				return nil, fmt.Errorf("in key %q: %w", key, err)
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			rv, err := e.Resolve(val, ctx, mode)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		// Non-templatable types are returned as-is
		return value, nil
	}
}

// resolveString handles both whole-string placeholders and embedded ones.
func (e *Engine) resolveString(s string, ctx *Context, mode Mode) (interface{}, error) {
	matches := e.placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole string is exactly one placeholder: return the native value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		token := s[matches[0][2]:matches[0][3]]
		value, ok, err := e.lookup(token, ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			if mode == ModeLenient {
				return s, nil
			}
			return nil, api.NewError(api.CodeInterpolationFailed, "unresolvable placeholder %q", token).
				WithDetail("token", token)
		}
		return value, nil
	}

	// Embedded placeholders: every resolved value is coerced to string.
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		token := s[m[2]:m[3]]
		value, ok, err := e.lookup(token, ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			if mode == ModeLenient {
				sb.WriteString(s[m[0]:m[1]])
				last = m[1]
				continue
			}
			return nil, api.NewError(api.CodeInterpolationFailed, "unresolvable placeholder %q", token).
				WithDetail("token", token)
		}
		sb.WriteString(coerceString(value))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// lookup resolves a single token against the context. The boolean reports
// whether the token resolved; a format violation is always an error
// regardless of mode.
func (e *Engine) lookup(token string, ctx *Context) (interface{}, bool, error) {
	if !e.tokenPattern.MatchString(token) {
		return nil, false, api.NewError(api.CodeInvalidToken, "malformed placeholder token %q", token).
			WithDetail("token", token)
	}

	parts := strings.Split(token, ".")

	var root interface{}
	var rest []string
	switch parts[0] {
	case "input":
		root = ctx.Input
		rest = parts[1:]
	case "variables":
		root = ctx.Variables
		rest = parts[1:]
	default:
		// Bare tokens resolve into variables.
		root = ctx.Variables
		rest = parts
	}

	if root == nil {
		return nil, false, nil
	}
	if len(rest) == 0 {
		return root, true, nil
	}
	return walkPath(root, rest)
}

// walkPath navigates dotted path segments through nested maps.
func walkPath(data interface{}, parts []string) (interface{}, bool, error) {
	current := data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false, nil
		}
		value, exists := m[part]
		if !exists {
			return nil, false, nil
		}
		current = value
	}
	return current, true, nil
}

// coerceString renders a resolved value for embedding in a larger string.
func coerceString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float64:
		// JSON numbers arrive as float64; render whole numbers without
		// a trailing fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
