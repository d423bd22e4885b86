package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/config"
	"github.com/wippyai/zen-runtime/core"
	"github.com/wippyai/zen-runtime/loaders"
	"github.com/wippyai/zen-runtime/wasmnative"
)

var rootCmd = &cobra.Command{
	Use:           "zen",
	Short:         "Evaluate JSON decision models",
	Long:          `zen evaluates decision graphs, expressions and templates with an embedded engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "configuration file (.toml, .yaml)")
	f.String("dir", "", "directory holding decision files")
	f.String("backend", "", "engine backend: core or wasm")
	f.String("wasm", "", "engine .wasm file for the wasm backend")
	f.BoolP("verbose", "v", false, "log debug output to stderr")
}

// app is the wiring shared by every command.
type app struct {
	cfg *config.Config
	log *zap.Logger
	rt  *zen.Runtime

	load   zen.Loader
	dir    *loaders.Dir
	closer io.Closer
}

func setup(cmd *cobra.Command, extra ...zen.Option) (*app, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		config.ApplyEnv(cfg)
		config.ApplyDefaults(cfg)
	}
	if v, _ := flags.GetString("backend"); v != "" {
		cfg.Backend = v
	}
	if v, _ := flags.GetString("wasm"); v != "" {
		cfg.WASM.Path = v
		if !flags.Changed("backend") {
			cfg.Backend = config.BackendWASM
		}
	}
	if v, _ := flags.GetString("dir"); v != "" {
		cfg.Loader = config.LoaderConfig{Type: config.LoaderFilesystem, Path: v, Watch: cfg.Loader.Watch}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if verbose, _ := flags.GetBool("verbose"); verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		log = l
		core.SetLogger(l.Named("core"))
		wasmnative.SetLogger(l.Named("wasm"))
	} else if path != "" {
		l, err := cfg.Logger()
		if err != nil {
			return nil, err
		}
		log = l
	}
	zen.SetLogger(log)

	rt, err := zen.NewRuntime(cmd.Context(), append(cfg.RuntimeOptions(log), extra...)...)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	return &app{cfg: cfg, log: log, rt: rt}, nil
}

// engine builds an engine with the configured loader. The loader is
// built once and shared by every engine of the app.
func (a *app) engine(ctx context.Context) (*zen.Engine, error) {
	if a.closer == nil {
		load, closer, dir, err := a.cfg.Loader(ctx)
		if err != nil {
			return nil, err
		}
		a.load, a.dir, a.closer = load, dir, closer
	}

	var opts []zen.EngineOption
	if a.load != nil {
		opts = append(opts, zen.WithLoader(a.load))
	}
	return a.rt.NewEngine(ctx, opts...)
}

func (a *app) Close(ctx context.Context) {
	if a.closer != nil {
		_ = a.closer.Close()
	}
	_ = a.rt.Close(ctx)
	_ = a.log.Sync()
}

// readInput resolves an --input value: inline JSON, @file, or - for stdin.
func readInput(v string, stdin io.Reader) ([]byte, error) {
	switch {
	case v == "":
		return nil, nil
	case v == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(v, "@"):
		return os.ReadFile(v[1:])
	}
	if !json.Valid([]byte(v)) {
		return nil, fmt.Errorf("--input is not valid JSON")
	}
	return []byte(v), nil
}

// printJSON writes raw JSON indented.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
