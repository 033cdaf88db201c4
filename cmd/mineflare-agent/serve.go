package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mineflare/agent/pkg/shutdown"
	"github.com/mineflare/agent/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Args:  cobra.NoArgs,
	Short: "Open the registry and expose Prometheus metrics until terminated",
	Long:  `Rehydrates the registry, starts the shutdown controller watching SIGINT/SIGTERM, and serves /metrics until stopped.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "override the configured metrics listen address")
	serveCmd.Flags().String("stop-file", "", "optional file whose existence triggers graceful shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	stopFile, _ := cmd.Flags().GetString("stop-file")

	reg, cfg, logger, err := openRegistry()
	if err != nil {
		return err
	}
	if listenAddr == "" {
		listenAddr = cfg.Metrics.ListenAddr
	}

	metrics := reg.Metrics()
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := shutdown.New(shutdown.Config{
		StopFile:             stopFile,
		EnableSignalHandlers: true,
	}, logger)
	ctl.OnStop(func(reason string) {
		logger.Info("draining in-flight invocations", "reason", reason)
		for _, id := range reg.GetRunning() {
			_ = reg.Cancel(id)
		}
		cancel()
	})
	ctl.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", listenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctl.StopChannel():
		_ = server.Shutdown(context.Background())
		fmt.Println("shut down gracefully")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	}
}
