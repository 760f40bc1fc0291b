package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bondsettle/observability/logging"
	telemetry "bondsettle/observability/otel"
	"bondsettle/services/settlement-gateway/config"
	"bondsettle/services/settlement-gateway/gateway"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./gateway.yaml", "Path to the gateway configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BSN_ENV"))
	logger := logging.Setup("settlement-gateway", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlement-gateway",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		logger.Error("initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := gateway.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	node := gateway.NewRPCNodeClient(cfg.Node.URL, cfg.Node.Token, cfg.Node.Timeout.Duration)
	queue := gateway.NewWebhookQueue(
		gateway.WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		gateway.WithWebhookHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		gateway.WithWebhookTTL(cfg.Webhooks.TTL.Duration),
	)
	server := gateway.NewServer(gateway.NewAuthenticator(cfg.Auth), gateway.NewRateLimiter(cfg.RateLimit), node, store, queue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := gateway.NewWebhookWorker(store, queue, cfg.Webhooks.MaxAttempts)
	go worker.Run(ctx)
	watcher := gateway.NewEventWatcher(node, store, queue, cfg.Watcher.Interval.Duration, cfg.Watcher.Batch)
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("settlement gateway listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("node", cfg.Node.URL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("settlement gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
