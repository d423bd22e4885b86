// Package expression evaluates the engine's expression language.
//
// Expressions are compiled with expr-lang and cached by source. The reference
// operator `$` is bound to the "current value" in unary expressions, and
// templates interpolate `{{ expression }}` blocks against a JSON context.
package expression

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wippyai/zen-runtime/errors"
)

// refName is the identifier `$` is rewritten to before compilation.
const refName = "__zen_ref__"

const maxCachedPrograms = 4096

var (
	programsMu sync.RWMutex
	programs   = make(map[string]*vm.Program)
)

// compile returns the cached program for code, compiling it on first use.
func compile(code string) (*vm.Program, error) {
	programsMu.RLock()
	p, ok := programs[code]
	programsMu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	programsMu.Lock()
	if len(programs) >= maxCachedPrograms {
		programs = make(map[string]*vm.Program)
	}
	programs[code] = p
	programsMu.Unlock()
	return p, nil
}

// Env is the variable environment of one evaluation.
type Env map[string]any

// NewEnv builds an environment from a decoded JSON context. Object keys become
// variables; any other context yields an empty environment.
func NewEnv(context any) Env {
	env := Env{}
	if m, ok := context.(map[string]any); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	if ref, ok := env["$"]; ok {
		env[refName] = ref
	}
	return env
}

// WithRef returns a copy of env with `$` bound to ref.
func (e Env) WithRef(ref any) Env {
	out := make(Env, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["$"] = ref
	out[refName] = ref
	return out
}

// DecodeContext parses a JSON context. Empty input means null.
func DecodeContext(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.New(errors.JsonDeserializationFailed).
			Phase(errors.PhaseNative).
			Op("context").
			Cause(err).
			Build()
	}
	return v, nil
}

// Run evaluates code against env.
func Run(code string, env Env) (any, error) {
	program, err := compile(rewriteRef(code))
	if err != nil {
		return nil, isolateError("compilerError", err)
	}
	out, err := expr.Run(program, map[string]any(env))
	if err != nil {
		return nil, isolateError("vmError", err)
	}
	return normalize(out), nil
}

// Evaluate decodes the JSON context and evaluates code against it.
func Evaluate(code string, context []byte) (any, error) {
	ctx, err := DecodeContext(context)
	if err != nil {
		return nil, err
	}
	return Run(code, NewEnv(ctx))
}

// isolateError builds the IsolateError carried back to the host.
func isolateError(kind string, cause error) *errors.Error {
	return isolateErrorf(kind, "%s", cause.Error())
}

func isolateErrorf(kind, format string, args ...any) *errors.Error {
	details, _ := json.Marshal(map[string]string{
		"type":   kind,
		"source": fmt.Sprintf(format, args...),
	})
	return errors.New(errors.IsolateError).
		Phase(errors.PhaseNative).
		Op("expression").
		Details(string(details)).
		Build()
}

// normalize converts expr result types into plain JSON-compatible values.
func normalize(v any) any {
	switch t := v.(type) {
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k := range t {
			out[k] = normalize(t[k])
		}
		return out
	case int64:
		return int(t)
	case int32:
		return int(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Marshal encodes a value as JSON text, mapping failures to
// JsonSerializationFailed.
func Marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.JsonSerializationFailed).
			Phase(errors.PhaseNative).
			Op("result").
			Cause(err).
			Build()
	}
	return out, nil
}
