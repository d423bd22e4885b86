package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	zen "github.com/wippyai/zen-runtime"
)

var validateCmd = &cobra.Command{
	Use:   "validate <key|file>...",
	Short: "Validate decision graphs",
	Long: `Validate checks that each decision parses and that its graph has exactly
one input node, at least one output node and no cycles.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Dispose()

	out := cmd.OutOrStdout()
	failed := 0
	for _, ref := range args {
		err := validateOne(ctx, engine, ref)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n", ref)
			printError(out, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", ref)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d decisions invalid", failed, len(args))
	}
	return nil
}

func validateOne(ctx context.Context, engine *zen.Engine, ref string) error {
	content, err := readDecision(ctx, ref)
	var d *zen.Decision
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		d, err = engine.GetDecision(ctx, ref)
	case err == nil:
		d, err = engine.CreateDecision(ctx, content)
	}
	if err != nil {
		return err
	}
	defer d.Dispose()
	return d.Validate(ctx)
}
