package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/loaders"
)

var evalCmd = &cobra.Command{
	Use:   "eval <key|file>",
	Short: "Evaluate a decision",
	Long: `Evaluate a decision against a JSON input.

The argument is a path to a decision file, or a key resolved through the
configured loader when no such file exists.`,
	Example: `  zen eval pricing.json --input '{"amount": 120}'
  zen --dir ./decisions eval rules/pricing --input @order.json --trace`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringP("input", "i", "", "input JSON, @file or - for stdin")
	evalCmd.Flags().Bool("trace", false, "include the execution trace")
	evalCmd.Flags().Uint8("max-depth", 0, "nested decision limit (default 5)")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
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
	opts := a.cfg.Evaluation.Options()
	if cmd.Flags().Changed("trace") {
		opts.Trace, _ = cmd.Flags().GetBool("trace")
	}
	if cmd.Flags().Changed("max-depth") {
		opts.MaxDepth, _ = cmd.Flags().GetUint8("max-depth")
	}

	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Dispose()

	res, err := evaluate(ctx, engine, args[0], input, opts)
	if err != nil {
		return err
	}
	if opts.Trace {
		return printJSON(cmd.OutOrStdout(), res)
	}
	return printJSON(cmd.OutOrStdout(), res.Result)
}

// evaluate runs a decision file directly, or falls back to the loader.
func evaluate(ctx context.Context, engine *zen.Engine, ref string, input []byte, opts zen.EvaluationOptions) (*zen.EvaluationResult, error) {
	content, err := readDecision(ctx, ref)
	if stderrors.Is(err, os.ErrNotExist) {
		return engine.EvaluateWithOptions(ctx, ref, input, opts)
	}
	if err != nil {
		return nil, err
	}

	d, err := engine.CreateDecision(ctx, content)
	if err != nil {
		return nil, err
	}
	defer d.Dispose()
	return d.EvaluateWithOptions(ctx, input, opts)
}

// readDecision reads a decision file as JSON. YAML files are converted.
func readDecision(ctx context.Context, path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return loaders.NewDir(filepath.Dir(path)).Load(ctx, filepath.Base(path))
}

// printError writes err with its code and details when it came from the
// engine boundary.
func printError(w io.Writer, err error) {
	var zerr *errors.Error
	if !stderrors.As(err, &zerr) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", zerr.Code, zerr.Code.Message())
	if zerr.Details != "" {
		fmt.Fprintf(w, "  %s\n", zerr.Details)
	}
	if zerr.Cause != nil {
		fmt.Fprintf(w, "  cause: %v\n", zerr.Cause)
	}
}
