package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/health"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/manager"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/reconciler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch registered clusters until interrupted",
	Long: `Run the local control loop: re-arm autostop timers for RUNNING clusters,
periodically probe them so lost instances are noticed, and export cluster
metrics. Runs until interrupted.

Examples:
  runway daemon
  runway daemon --interval 1m --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().Duration("interval", health.DefaultConfig().Interval, "How often RUNNING clusters are probed")
	daemonCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics and health on this address")

	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	logger := log.WithComponent("daemon")

	if err := a.manager.SyncAutostop(); err != nil {
		return fmt.Errorf("failed to arm autostop timers: %w", err)
	}

	cfg := health.DefaultConfig()
	if interval > 0 {
		cfg.Interval = interval
	}
	rec := reconciler.NewReconciler(a.manager, cfg)
	rec.Start()
	defer rec.Stop()

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	go a.manager.CollectMetrics(ctx, manager.DefaultMetricsInterval)

	metrics.SetVersion(Version)
	metrics.SetCritical(metrics.ComponentReconciler)
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("Metrics server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	logger.Info().Dur("interval", cfg.Interval).Msg("Daemon running")
	fmt.Fprintln(cmd.OutOrStdout(), "Watching clusters (Ctrl+C to stop)")

	<-cmd.Context().Done()
	logger.Info().Msg("Daemon stopping")
	return nil
}
