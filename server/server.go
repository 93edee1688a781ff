package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cajax/edgeproxy/appConfig"
	"github.com/cajax/edgeproxy/edge"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "edgeproxy",
	Short:         "Static file server with an upstream API proxy",
	Long:          "Serves a static directory, forwards /api/ (WebSocket upgrades included) to $API_PROXY_URL and replaces 5xx responses with a static error page.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults are used when empty)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "log debug information to console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgeproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	config, err := appConfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("unable to read config: %w", err)
	}

	var logger *zap.Logger
	if config.Debug || debug {
		logger = zap.Must(zap.NewDevelopment())
	} else {
		logger = zap.Must(zap.NewProduction())
	}
	defer logger.Sync()

	server, err := edge.NewServer(serverConfig(config, logger, prometheus.DefaultRegisterer))
	if err != nil {
		logger.Error("unable to create edge listener", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.MetricsListen != "" {
		go serveAdmin(ctx, config.MetricsListen, logger)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("edge listener failed", zap.Error(err))
		return err
	}

	logger.Info("edge listener stopped")
	return nil
}

func serverConfig(config *appConfig.Server, logger *zap.Logger, reg prometheus.Registerer) *edge.ServerConfig {
	return &edge.ServerConfig{
		Listen:                config.Listen,
		StaticRoot:            config.Static.Root,
		Index:                 config.Static.Index,
		ErrorRoot:             config.ErrorPage.Root,
		ErrorPath:             config.ErrorPage.Path,
		ErrorCodes:            config.ErrorPage.Codes,
		ProxyPrefix:           config.Proxy.Prefix,
		ProxyTarget:           config.Proxy.Target,
		ProbeInterval:         config.Proxy.ProbeInterval.ToDuration(),
		ReadHeaderTimeout:     config.Timeouts.ReadHeader.ToDuration(),
		IdleTimeout:           config.Timeouts.Idle.ToDuration(),
		UpstreamDialTimeout:   config.Timeouts.UpstreamDial.ToDuration(),
		UpstreamHeaderTimeout: config.Timeouts.UpstreamHeader.ToDuration(),
		ShutdownTimeout:       config.Timeouts.Shutdown.ToDuration(),
		Log:                   logger,
		Registerer:            reg,
	}
}

// serveAdmin exposes /metrics and /healthz until ctx is done.
func serveAdmin(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })

	admin := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}()

	logger.Info("starting admin http server", zap.String("address", addr))
	if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin server failed", zap.Error(err))
	}
}
