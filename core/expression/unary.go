package expression

import (
	"regexp"
	"strings"
)

// scanRefs walks code outside string literals and reports the byte offsets of
// every standalone `$` reference.
func scanRefs(code string) []int {
	var refs []int
	var quote byte
	for i := 0; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '$':
			if i+1 < len(code) && isIdentChar(code[i+1]) {
				continue
			}
			refs = append(refs, i)
		}
	}
	return refs
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// rewriteRef replaces `$` references with an identifier expr-lang accepts.
func rewriteRef(code string) string {
	refs := scanRefs(code)
	if len(refs) == 0 {
		return code
	}
	var b strings.Builder
	b.Grow(len(code) + len(refs)*len(refName))
	last := 0
	for _, at := range refs {
		b.WriteString(code[last:at])
		b.WriteString(refName)
		last = at + 1
	}
	b.WriteString(code[last:])
	return b.String()
}

var (
	interval  = regexp.MustCompile(`^([\[(])\s*(-?[0-9][0-9_.]*)\s*\.\.\s*(-?[0-9][0-9_.]*)\s*([\])])$`)
	leadingOp = []string{"==", "!=", ">=", "<=", ">", "<", "in ", "in[", "not in ", "not in[", "matches ", "contains ", "startsWith ", "endsWith "}
)

// UnaryToStandard turns a unary expression into a standard boolean
// expression over `$`.
//
//	""            -> true
//	"> 18"        -> $ > 18
//	"'FR', 'ES'"  -> $ in ['FR', 'ES']
//	"[18..30)"    -> ($ >= 18 and $ < 30)
//	"'gold'"      -> $ == ('gold')
//
// Expressions that already reference `$` are used as written.
func UnaryToStandard(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "true"
	}
	if len(scanRefs(code)) > 0 {
		return code
	}
	if m := interval.FindStringSubmatch(code); m != nil {
		lo, hi := ">=", "<="
		if m[1] == "(" {
			lo = ">"
		}
		if m[4] == ")" {
			hi = "<"
		}
		return "($ " + lo + " " + m[2] + " and $ " + hi + " " + m[3] + ")"
	}
	for _, op := range leadingOp {
		if strings.HasPrefix(code, op) {
			return "$ " + code
		}
	}
	if len(splitTopLevel(code, ',')) > 1 {
		return "$ in [" + code + "]"
	}
	return "$ == (" + code + ")"
}

// splitTopLevel splits code on sep where sep is outside brackets and strings.
func splitTopLevel(code string, sep byte) []string {
	var parts []string
	var quote byte
	depth := 0
	start := 0
	for i := 0; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, code[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, code[start:])
}

// RunUnary evaluates a unary expression with `$` bound to ref.
func RunUnary(code string, env Env, ref any) (bool, error) {
	out, err := Run(UnaryToStandard(code), env.WithRef(ref))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, isolateErrorf("valueCastError", "unary expression must evaluate to bool (got %T)", out)
	}
	return b, nil
}

// EvaluateUnary decodes the JSON context and evaluates a unary expression
// against its `$` key.
func EvaluateUnary(code string, context []byte) (bool, error) {
	ctx, err := DecodeContext(context)
	if err != nil {
		return false, err
	}
	env := NewEnv(ctx)
	ref, ok := env["$"]
	if !ok {
		return false, isolateErrorf("missingContextReference", "context has no `$` reference")
	}
	return RunUnary(code, env, ref)
}
