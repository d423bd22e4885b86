package main

import (
	"context"
	"strconv"

	zen "github.com/wippyai/zen-runtime"
)

// mode selects which standalone evaluator a command or the REPL uses.
type mode int

const (
	modeExpression mode = iota
	modeUnary
	modeTemplate
)

func (m mode) String() string {
	switch m {
	case modeUnary:
		return "unary"
	case modeTemplate:
		return "template"
	default:
		return "expression"
	}
}

func (m mode) next() mode { return (m + 1) % 3 }

// run evaluates code and returns the result as JSON text.
func (m mode) run(ctx context.Context, rt *zen.Runtime, code string, input []byte) (string, error) {
	switch m {
	case modeUnary:
		ok, err := rt.EvaluateUnaryExpression(ctx, code, input)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(ok), nil
	case modeTemplate:
		out, err := rt.RenderTemplate(ctx, code, input)
		return string(out), err
	default:
		out, err := rt.EvaluateExpression(ctx, code, input)
		return string(out), err
	}
}
