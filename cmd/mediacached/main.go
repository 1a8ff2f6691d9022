// Command mediacached runs the client-side media caching engine: an HTTP
// interceptor in front of the media service plus the control channel the
// host application drives it with.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/control"
	"github.com/mediacache/mediacache/internal/engine"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mediacached",
		Short:        "Client-side caching and offline-resilience engine for media browsing",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}

func serve(cfg *config.Configuration, configPath string) error {
	logger, err := newLogger(cfg.Global.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger, eng.ApplyConfig)
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.Global.ListenAddr,
		Handler:           newRouter(cfg, eng, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Global.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	return eng.Stop(shutdownCtx)
}

func newRouter(cfg *config.Configuration, eng *engine.Engine, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	metricsPath := cfg.Global.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, eng.Metrics())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"}) //nolint:errcheck
	})
	r.Handle("/control", control.NewWebsocketServer(eng.Channel(), logger))
	r.HandleFunc("/sync/enqueue", func(w http.ResponseWriter, req *http.Request) {
		handleEnqueue(eng, w, req)
	}).Methods(http.MethodPost)

	// Everything else is intercepted traffic.
	r.PathPrefix("/").Handler(eng)
	return r
}

func handleEnqueue(eng *engine.Engine, w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	item, err := eng.Queue().Enqueue(body.Action, body.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"id": item.ID}) //nolint:errcheck
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
