package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/zen-runtime/core/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph <file>",
	Short: "Render a decision as a Graphviz DOT graph",
	Example: `  zen graph pricing.json | dot -Tsvg > pricing.svg
  zen graph pricing.yaml -o pricing.dot`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringP("output", "o", "", "write DOT to a file instead of stdout")
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	content, err := readDecision(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	g, err := graph.Parse(content)
	if err != nil {
		return err
	}

	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	dot, err := g.DOT(name)
	if err != nil {
		return err
	}

	if out, _ := cmd.Flags().GetString("output"); out != "" {
		return os.WriteFile(out, []byte(dot), 0o644)
	}
	_, err = cmd.OutOrStdout().Write([]byte(dot))
	return err
}
