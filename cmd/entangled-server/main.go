package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entanglement-sync/core/internal/catalog"
	"github.com/entanglement-sync/core/internal/config"
	"github.com/entanglement-sync/core/internal/container"
	"github.com/entanglement-sync/core/internal/notifier"
	"github.com/entanglement-sync/core/internal/observability"
	"github.com/entanglement-sync/core/internal/syncapi"
	"github.com/entanglement-sync/core/internal/validation"
	"github.com/entanglement-sync/core/internal/versiongraph"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "entangled-server",
		Short: "Run the entanglement sync server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file (defaults baked in if absent)")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	logger := observability.NewLogger("entangled-server", version, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	if err := validation.ValidateAddr(cfg.RESTAddress); err != nil {
		logger.Fatal(err, "invalid rest_address in config")
	}
	if err := validation.ValidateAddr(cfg.ObservabilityAddress); err != nil {
		logger.Fatal(err, "invalid observability_address in config")
	}
	if err := validation.ValidateRangeInt(cfg.NotifierRateBurst, 1, 10000); err != nil {
		logger.Fatal(err, "invalid notifier_rate_burst in config")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}

	cat, err := catalog.Open(cfg.CatalogDBPath)
	if err != nil {
		logger.Fatal(err, "failed to open chunk catalog")
	}
	defer cat.Close()

	store, err := container.Open(filepath.Join(cfg.DataDir, "containers"), cfg.MaxContainerSize, cat.DB())
	if err != nil {
		logger.Fatal(err, "failed to open container store")
	}
	defer store.Close()

	graph, err := versiongraph.Open(cat.DB())
	if err != nil {
		logger.Fatal(err, "failed to open version graph")
	}

	hub := notifier.NewHubWithRateLimit(cfg.NotifierBufferSize, cfg.NotifierRateBurst, cfg.NotifierRateRefill)

	health.RegisterCheck("database", observability.DatabaseCheck(cat.DB()))
	health.RegisterCheck("rest_listener", observability.RESTListenerCheck(cfg.RESTAddress))
	health.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.DataDir, 100*1024*1024))

	srv := syncapi.NewServer(cat, store, graph, hub, logger, metrics, nil)
	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)

	apiServer := &http.Server{Addr: cfg.RESTAddress, Handler: mux}
	go func() {
		logger.Info("sync API listening on " + cfg.RESTAddress)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "sync API server error")
		}
	}()

	go startObservabilityServer(cfg.ObservabilityAddress, metrics, health, logger)

	logger.Info("entangled-server running")
	<-ctx.Done()

	logger.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "sync API shutdown error")
	}
	logger.Info("entangled-server stopped")
	return nil
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
