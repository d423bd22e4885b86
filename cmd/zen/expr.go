package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exprCmd = &cobra.Command{
	Use:     "expr <expression>",
	Short:   "Evaluate a standalone expression",
	Example: `  zen expr 'a + b' --input '{"a": 10, "b": 20}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStandalone(cmd, args[0], modeExpression)
	},
}

var unaryCmd = &cobra.Command{
	Use:     "unary <test>",
	Short:   "Evaluate a unary test against $",
	Example: `  zen unary '> 10' --input '{"$": 15}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStandalone(cmd, args[0], modeUnary)
	},
}

var templateCmd = &cobra.Command{
	Use:     "template <template>",
	Short:   "Render a template",
	Example: `  zen template 'total: {{ a + b }}' --input '{"a": 10, "b": 5}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStandalone(cmd, args[0], modeTemplate)
	},
}

func init() {
	for _, c := range []*cobra.Command{exprCmd, unaryCmd, templateCmd} {
		c.Flags().StringP("input", "i", "", "input JSON, @file or - for stdin")
		rootCmd.AddCommand(c)
	}
}

func runStandalone(cmd *cobra.Command, code string, m mode) error {
	ctx := cmd.Context()
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	raw, _ := cmd.Flags().GetString("input")
	input, err := readInput(raw, cmd.InOrStdin())
	if err != nil {
		return err
	}

	out, err := m.run(ctx, a.rt, code, input)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}
