package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/api"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/reload"
)

const (
	transportShutdownBudget = 3 * time.Second
	childStopGrace          = 5 * time.Second
)

var (
	serveHost       string
	servePort       int
	serveConfigPath string
	serveImportPath string
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "host to bind")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to bind (overrides PORT)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "config directory or config.json path (overrides CONFIG_STORAGE_PATH)")
	serveCmd.Flags().StringVar(&serveImportPath, "import", "", "YAML seed file merged into the store before startup")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runServe(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return nil
	},
}

func runServe() error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if serveConfigPath != "" {
		settings.StoragePath = serveConfigPath
	}
	if servePort != 0 {
		settings.Port = servePort
	}

	logBuffer := logging.NewLogBuffer(1000)
	logger := newServeLogger(settings, logBuffer)

	store, err := config.NewStore(settings)
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	store.SetLogger(logging.WithComponent(logger, "store"))

	if serveImportPath != "" {
		if err := config.ImportSeed(store, serveImportPath); err != nil {
			return fmt.Errorf("importing seed file: %w", err)
		}
		logger.Info("seed file imported", "path", serveImportPath)
	}

	collector := metrics.NewCollector()

	sup := mcp.NewSupervisor(store, settings.EnvFilter(), settings.StreamLimit)
	sup.SetLogger(logging.WithComponent(logger, "supervisor"))

	priv := mcp.NewPrivateManager(sup, store)
	priv.SetLogger(logging.WithComponent(logger, "private"))

	router := mcp.NewRouter(sup, priv)
	router.SetLogger(logging.WithComponent(logger, "router"))
	router.SetObserver(collector)

	info := mcp.ServerInfo{Name: "toolgate", Version: version}
	transport := mcp.NewSSETransport(router, info)
	transport.SetLogger(logging.WithComponent(logger, "sse"))
	transport.Sessions().SetObserver(collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.StartupLoad(ctx)

	go priv.Run(ctx, time.Duration(settings.CleanupInterval)*time.Second)

	watcher := reload.NewWatcher(settings.MainConfigPath(), func() error {
		if err := store.Reload(); err != nil {
			return err
		}
		sup.ReloadTools(context.Background())
		return nil
	})
	watcher.SetLogger(logging.WithComponent(logger, "reload"))
	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	apiServer := api.NewServer(sup, router, priv, transport, store, info)
	apiServer.SetLogger(logging.WithComponent(logger, "api"))
	apiServer.SetMetricsHandler(collector.Handler())
	apiServer.SetLogBuffer(logBuffer)

	addr := fmt.Sprintf("%s:%d", serveHost, settings.Port)
	httpServer := &http.Server{Addr: addr, Handler: apiServer.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	clean := true

	if err := transport.Shutdown(transportShutdownBudget); err != nil {
		logger.Error("sse shutdown incomplete", "error", err)
		clean = false
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), transportShutdownBudget)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", "error", err)
		clean = false
	}

	sup.StopAll(childStopGrace)

	if !clean {
		os.Exit(2)
	}
	logger.Info("shutdown complete")
	return nil
}

func newServeLogger(settings *config.Settings, buffer *logging.LogBuffer) *slog.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(settings.LogLevel)
	cfg.Format = logging.ParseFormat(settings.LogFormat)
	cfg.File = settings.LogFile

	base := logging.New(cfg)
	return slog.New(logging.NewBufferHandler(buffer, base.Handler()))
}
