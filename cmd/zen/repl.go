package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	zen "github.com/wippyai/zen-runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	modeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	codeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historySize = 8

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Evaluate expressions interactively",
	Long: `Repl evaluates expressions, unary tests and templates against an input
context. Without a terminal it reads one line per evaluation from stdin;
":mode unary", ":mode template", ":mode expression" and ":input <json>"
change the session.`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().StringP("input", "i", "", "initial input JSON, @file")
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	raw, _ := cmd.Flags().GetString("input")
	if raw == "-" {
		return fmt.Errorf("repl reads commands from stdin; pass --input as JSON or @file")
	}
	input, err := readInput(raw, nil)
	if err != nil {
		return err
	}

	if f, ok := cmd.InOrStdin().(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return lineREPL(ctx, a.rt, cmd.InOrStdin(), cmd.OutOrStdout(), string(input))
	}

	_, err = tea.NewProgram(newReplModel(ctx, a.rt, string(input)), tea.WithAltScreen()).Run()
	return err
}

// lineREPL is the REPL without a terminal: one evaluation per line.
func lineREPL(ctx context.Context, rt *zen.Runtime, in io.Reader, out io.Writer, input string) error {
	m := modeExpression
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":mode "):
			next, ok := parseMode(strings.TrimSpace(strings.TrimPrefix(line, ":mode ")))
			if !ok {
				fmt.Fprintf(out, "unknown mode %q\n", line[len(":mode "):])
				continue
			}
			m = next
			continue
		case strings.HasPrefix(line, ":input "):
			input = strings.TrimSpace(strings.TrimPrefix(line, ":input "))
			continue
		}

		res, err := m.run(ctx, rt, line, []byte(input))
		if err != nil {
			printError(out, err)
			continue
		}
		fmt.Fprintln(out, res)
	}
	return sc.Err()
}

func parseMode(s string) (mode, bool) {
	for _, m := range []mode{modeExpression, modeUnary, modeTemplate} {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

type replModel struct {
	ctx     context.Context
	rt      *zen.Runtime
	code    textinput.Model
	input   textinput.Model
	mode    mode
	history []replEntry
	focus   int
}

type replEntry struct {
	err    error
	mode   mode
	code   string
	result string
}

type evalResultMsg replEntry

func newReplModel(ctx context.Context, rt *zen.Runtime, input string) *replModel {
	code := textinput.New()
	code.Prompt = "> "
	code.Placeholder = "a + b"
	code.Width = 60
	code.Focus()

	in := textinput.New()
	in.Prompt = "input: "
	in.Placeholder = `{"a": 1, "b": 2}`
	in.Width = 60
	in.SetValue(input)

	return &replModel{ctx: ctx, rt: rt, code: code, input: in}
}

func (m *replModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "tab", "shift+tab":
			m.focus = 1 - m.focus
			if m.focus == 0 {
				m.input.Blur()
				return m, m.code.Focus()
			}
			m.code.Blur()
			return m, m.input.Focus()

		case "ctrl+t":
			m.mode = m.mode.next()
			return m, nil

		case "enter":
			if strings.TrimSpace(m.code.Value()) == "" {
				return m, nil
			}
			return m, m.evaluate(m.mode, m.code.Value(), m.input.Value())
		}

	case evalResultMsg:
		m.history = append(m.history, replEntry(msg))
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
		return m, nil
	}

	var cmds [2]tea.Cmd
	m.code, cmds[0] = m.code.Update(msg)
	m.input, cmds[1] = m.input.Update(msg)
	return m, tea.Batch(cmds[:]...)
}

func (m *replModel) evaluate(md mode, code, input string) tea.Cmd {
	return func() tea.Msg {
		res, err := md.run(m.ctx, m.rt, code, []byte(input))
		return evalResultMsg{mode: md, code: code, result: res, err: err}
	}
}

func (m *replModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("zen"))
	b.WriteString(" ")
	b.WriteString(modeStyle.Render(m.mode.String()))
	b.WriteString("\n\n")

	for _, e := range m.history {
		b.WriteString(codeStyle.Render(fmt.Sprintf("[%s] %s", e.mode, e.code)))
		b.WriteString("\n  ")
		if e.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", e.err)))
		} else {
			b.WriteString(resultStyle.Render(e.result))
		}
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.code.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter evaluate • tab switch field • ctrl+t mode • esc quit"))
	return b.String()
}
