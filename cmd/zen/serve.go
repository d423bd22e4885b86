package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/loaders"
	"github.com/wippyai/zen-runtime/metrics"
	"github.com/wippyai/zen-runtime/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve decisions over HTTP",
	Long: `Serve evaluates decisions resolved by the configured loader over HTTP.

With a filesystem loader and --watch, changed decision files replace the
serving engine so the next request sees the new content.`,
	Example: `  zen --dir ./decisions serve --addr :8080 --watch --metrics`,
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().Bool("watch", false, "reload decisions when files change")
	serveCmd.Flags().Bool("metrics", false, "expose Prometheus metrics on /metrics")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs, err := metrics.New(reg, metrics.DefaultNamespace)
	if err != nil {
		return err
	}

	a, err := setup(cmd, zen.WithObserver(obs))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	flags := cmd.Flags()
	sc := a.cfg.Server
	if v, _ := flags.GetString("addr"); v != "" {
		sc.Addr = v
	}
	if flags.Changed("watch") {
		a.cfg.Loader.Watch, _ = flags.GetBool("watch")
	}
	if flags.Changed("metrics") {
		sc.Metrics, _ = flags.GetBool("metrics")
	}

	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(a.log.Named("http")),
		server.WithDefaults(a.cfg.Evaluation.Options()),
		server.WithMaxBodyBytes(sc.MaxBodyBytes),
		server.WithTimeouts(sc.ReadTimeout, sc.WriteTimeout, sc.ShutdownTimeout),
	}
	if sc.Metrics {
		opts = append(opts, server.WithMetrics(reg))
	}
	srv := server.New(a.rt, engine, opts...)
	defer srv.SwapEngine(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, sc.Addr) })

	if a.cfg.Loader.Watch && a.dir != nil {
		w := loaders.NewWatcher(a.dir, loaders.WithWatchLogger(a.log.Named("watch")))
		g.Go(func() error {
			return w.Watch(gctx, func(keys []string) {
				next, err := a.engine(gctx)
				if err != nil {
					a.log.Error("reload failed", zap.Error(err))
					return
				}
				srv.SwapEngine(next)
				a.log.Info("decisions reloaded", zap.Strings("keys", keys))
			})
		})
	}
	return g.Wait()
}
