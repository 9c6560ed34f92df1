package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/domain"
	httpapi "aliquot-sync/internal/http"
	"aliquot-sync/internal/scheduler"
	"aliquot-sync/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errJobFailed 任务结果为 ERROR 时让进程以非零状态退出
var errJobFailed = errors.New("job finished with errors")

var rootCmd = &cobra.Command{
	Use:           "aliquot-sync",
	Short:         "Shipment and aliquot lifecycle synchronization",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background job scheduler",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

func jobCmd(use, short string, run func(*service.Operations) func(context.Context) *domain.Result) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return printResult(cmd.OutOrStdout(), run(a.ops)(ctx))
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(jobCmd("track-shipments", "Push untracked shipment events to the eCRF once",
		func(o *service.Operations) func(context.Context) *domain.Result { return o.TrackPendingShipments }))
	rootCmd.AddCommand(jobCmd("track-receptions", "Push untracked reception events to the eCRF once",
		func(o *service.Operations) func(context.Context) *domain.Result { return o.TrackPendingReceptions }))
	rootCmd.AddCommand(jobCmd("import", "Import one pending processing file per lab",
		func(o *service.Operations) func(context.Context) *domain.Result { return o.ImportBloodProcessingData }))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errJobFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	return withAppOptions(ctx, false, fn)
}

func withAppOptions(ctx context.Context, migrate bool, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, config.Load(), migrate)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printResult(w io.Writer, r *domain.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return err
	}
	if r.Status == domain.ResultError {
		return errJobFailed
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		router := httpapi.NewRouter(a.logger)
		handler := httpapi.NewOperationsHandler(a.ops, a.logger)
		router.RegisterShipmentRoutes(handler)
		router.RegisterAliquotRoutes(handler)
		router.RegisterJobRoutes(handler)
		router.RegisterSystemRoutes(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

		srv := service.NewServer(a.cfg.HTTP.Addr, router, a.cfg.ECRF.Timeout, a.logger)
		sched := scheduler.New(a.jobs(), a.logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(gctx) })
		g.Go(func() error { return sched.Start(gctx) })
		err := g.Wait()
		a.logger.Info("aliquot-sync stopped", zap.Error(err))
		return err
	})
}

// runMigrate schema 在 newApp 中执行；这里只确认结果
func runMigrate(cmd *cobra.Command, _ []string) error {
	return withAppOptions(cmd.Context(), true, func(context.Context, *app) error {
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	})
}
