package expression

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/zen-runtime/errors"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		context string
		want    any
	}{
		{"literal arithmetic", "1 + 1", "", 2},
		{"sum", "a + b", `{"a":10,"b":20}`, 30.0},
		{"product", "a * b", `{"a":4,"b":5}`, 20.0},
		{"index", "items[1]", `{"items":[1,2,3]}`, 2.0},
		{"member", "user.name", `{"user":{"name":"John"}}`, "John"},
		{"ternary", `a > 5 ? "big" : "small"`, `{"a":7}`, "big"},
		{"string concat", `greeting + " " + name`, `{"greeting":"Hello","name":"World"}`, "Hello World"},
		{"boolean", "a > 1 and b < 1", `{"a":2,"b":0}`, true},
		{"non-object context", "1 + 2", `[1,2]`, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, []byte(tt.context))
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %#v, want %#v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	_, err := Evaluate("1 +", nil)
	if !stderrors.Is(err, errors.ErrIsolate) {
		t.Fatalf("err = %v, want isolate error", err)
	}
	var details struct {
		Type   string `json:"type"`
		Source string `json:"source"`
	}
	if decodeErr := err.(*errors.Error).DecodeDetails(&details); decodeErr != nil {
		t.Fatalf("DecodeDetails: %v", decodeErr)
	}
	if details.Type != "compilerError" || details.Source == "" {
		t.Errorf("details = %+v", details)
	}

	_, err = Evaluate("a", []byte("{not json"))
	if !stderrors.Is(err, errors.ErrJsonDeserializationFailed) {
		t.Errorf("err = %v, want json deserialization error", err)
	}
}

func TestEvaluateUnary(t *testing.T) {
	tests := []struct {
		expr    string
		context string
		want    bool
	}{
		{"> 18", `{"$":21}`, true},
		{"> 18", `{"$":18}`, false},
		{">= 18", `{"$":18}`, true},
		{"'FR', 'ES'", `{"$":"FR"}`, true},
		{`"FR","ES"`, `{"$":"DE"}`, false},
		{"[18..30)", `{"$":18}`, true},
		{"[18..30)", `{"$":30}`, false},
		{"(18..30]", `{"$":30}`, true},
		{"", `{"$":"anything"}`, true},
		{"$ > 10 and $ < 20", `{"$":15}`, true},
		{"'gold'", `{"$":"gold"}`, true},
		{"in ['a', 'b']", `{"$":"b"}`, true},
		{"not in ['a', 'b']", `{"$":"b"}`, false},
		{"5", `{"$":5}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvaluateUnary(tt.expr, []byte(tt.context))
			if err != nil {
				t.Fatalf("EvaluateUnary(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateUnary(%q, %s) = %v, want %v", tt.expr, tt.context, got, tt.want)
			}
		})
	}
}

func TestEvaluateUnary_Errors(t *testing.T) {
	if _, err := EvaluateUnary("> 1", []byte(`{"a":1}`)); !stderrors.Is(err, errors.ErrIsolate) {
		t.Errorf("missing $: err = %v", err)
	}
	if _, err := EvaluateUnary("$ + 1", []byte(`{"$":1}`)); !stderrors.Is(err, errors.ErrIsolate) {
		t.Errorf("non-bool: err = %v", err)
	}
}

func TestUnaryToStandard(t *testing.T) {
	tests := map[string]string{
		"":            "true",
		"> 18":        "$ > 18",
		"'a', 'b'":    "$ in ['a', 'b']",
		"'a, b'":      "$ == ('a, b')",
		"[1..5]":      "($ >= 1 and $ <= 5)",
		"$ == 'x'":    "$ == 'x'",
		"f(1, 2)":     "$ == (f(1, 2))",
		"  == true  ": "$ == true",
	}
	for in, want := range tests {
		if got := UnaryToStandard(in); got != want {
			t.Errorf("UnaryToStandard(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRewriteRef(t *testing.T) {
	tests := map[string]string{
		"$ > 1":       refName + " > 1",
		"'$' + $":     "'$' + " + refName,
		`"a\"$" + $`:  `"a\"$" + ` + refName,
		"$env":        "$env",
		"no refs":     "no refs",
		"[$, $]":      "[" + refName + ", " + refName + "]",
	}
	for in, want := range tests {
		if got := rewriteRef(in); got != want {
			t.Errorf("rewriteRef(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		context string
		want    any
	}{
		{"interpolation", "Hello {{ name }}!", `{"name":"World"}`, "Hello World!"},
		{"single expression keeps type", "{{ a + 10 }}", `{"a":5}`, 15.0},
		{"mixed", "{{ 1 + 1 }} hello", "", "2 hello"},
		{"plain text", "no blocks", "", "no blocks"},
		{"empty", "", "", nil},
		{"object value", "{{ customer }}", `{"customer":{"first":"John"}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.tmpl, []byte(tt.context))
			if err != nil {
				t.Fatalf("RenderTemplate(%q): %v", tt.tmpl, err)
			}
			if tt.name == "object value" {
				m, ok := got.(map[string]any)
				if !ok || m["first"] != "John" {
					t.Errorf("got %#v", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("RenderTemplate(%q) = %#v, want %#v", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRenderTemplate_Errors(t *testing.T) {
	for _, tmpl := range []string{"{{ a", "a }}", "{{ 1 + }}"} {
		_, err := RenderTemplate(tmpl, nil)
		if !stderrors.Is(err, errors.ErrTemplateEngine) {
			t.Errorf("RenderTemplate(%q): err = %v, want template engine error", tmpl, err)
			continue
		}
		var details struct {
			Template string `json:"template"`
			Message  string `json:"message"`
		}
		if decodeErr := err.(*errors.Error).DecodeDetails(&details); decodeErr != nil {
			t.Fatalf("DecodeDetails: %v", decodeErr)
		}
		if details.Template != tmpl || details.Message == "" {
			t.Errorf("details = %+v", details)
		}
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"s", "s"},
		{true, "true"},
		{15.0, "15"},
		{2.5, "2.5"},
		{3, "3"},
		{[]any{1.0, "a"}, `[1,"a"]`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
