package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/zen-runtime/errors"
)

type templatePart struct {
	text string
	expr bool
}

// parseTemplate splits a template into text and `{{ expression }}` parts.
func parseTemplate(tmpl string) ([]templatePart, error) {
	var parts []templatePart
	rest := tmpl
	for rest != "" {
		open := strings.Index(rest, "{{")
		closeAt := strings.Index(rest, "}}")
		if closeAt >= 0 && (open < 0 || closeAt < open) {
			return nil, fmt.Errorf("parser error: Close bracket")
		}
		if open < 0 {
			parts = append(parts, templatePart{text: rest})
			break
		}
		if open > 0 {
			parts = append(parts, templatePart{text: rest[:open]})
		}
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("parser error: Open bracket")
		}
		if strings.Contains(rest[:end], "{{") {
			return nil, fmt.Errorf("parser error: Open bracket")
		}
		parts = append(parts, templatePart{text: strings.TrimSpace(rest[:end]), expr: true})
		rest = rest[end+2:]
	}
	return parts, nil
}

// Render interpolates tmpl against env.
//
// A template consisting of a single expression yields that expression's typed
// value; anything else yields a string. An empty template yields null.
func Render(tmpl string, env Env) (any, error) {
	parts, err := parseTemplate(tmpl)
	if err != nil {
		return nil, templateError(tmpl, err.Error())
	}

	values := make([]any, len(parts))
	for i, p := range parts {
		if !p.expr {
			values[i] = p.text
			continue
		}
		v, err := Run(p.text, env)
		if err != nil {
			return nil, templateError(tmpl, "isolate error: "+Message(err))
		}
		values[i] = v
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}

	var b strings.Builder
	for _, v := range values {
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

// RenderTemplate decodes the JSON context and renders tmpl against it.
func RenderTemplate(tmpl string, context []byte) (any, error) {
	ctx, err := DecodeContext(context)
	if err != nil {
		return nil, err
	}
	return Render(tmpl, NewEnv(ctx))
}

// Stringify formats a value the way template interpolation does.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(out)
	}
}

func templateError(tmpl, message string) *errors.Error {
	details, _ := json.Marshal(map[string]string{
		"template": tmpl,
		"message":  message,
	})
	return errors.New(errors.TemplateEngineError).
		Phase(errors.PhaseNative).
		Op("template").
		Details(string(details)).
		Build()
}

// Message extracts the human-readable message of an expression error.
func Message(err error) string {
	var details struct {
		Source string `json:"source"`
	}
	if e, ok := err.(*errors.Error); ok && e.DecodeDetails(&details) == nil && details.Source != "" {
		return details.Source
	}
	return err.Error()
}
