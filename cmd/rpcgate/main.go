package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bombom/rpcgate/internal/admin"
	"github.com/bombom/rpcgate/internal/aggregate"
	"github.com/bombom/rpcgate/internal/alert"
	"github.com/bombom/rpcgate/internal/blacklist"
	"github.com/bombom/rpcgate/internal/breaker"
	"github.com/bombom/rpcgate/internal/config"
	"github.com/bombom/rpcgate/internal/dispatch"
	"github.com/bombom/rpcgate/internal/logging"
	"github.com/bombom/rpcgate/internal/middlewares"
	"github.com/bombom/rpcgate/internal/monitoring"
	"github.com/bombom/rpcgate/internal/proxy"
	"github.com/bombom/rpcgate/internal/ratelimit"
	"github.com/bombom/rpcgate/internal/rejectlog"
	"github.com/bombom/rpcgate/internal/secrets"
	"github.com/bombom/rpcgate/internal/server"
	"github.com/bombom/rpcgate/internal/store"
)

func main() {
	// Top-level panic recovery — mirrors ArgoCD's server.Run() pattern.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fatal panic in main",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			os.Exit(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Init(cfg.LogLevel)

	slog.Info("starting rpcgate", "env", cfg.AppEnv, "primary_upstream", cfg.PrimaryUpstreamURL)

	vaultClient, err := secrets.NewClient()
	if err != nil {
		log.Fatalf("failed to build vault client: %v", err)
	}
	adminKey, err := secrets.Resolve(ctx, vaultClient, secrets.Ref(cfg.AdminKey))
	if err != nil {
		log.Fatalf("failed to resolve admin key: %v", err)
	}
	dsn, err := secrets.Resolve(ctx, vaultClient, secrets.Ref(cfg.DatabaseDSN))
	if err != nil {
		log.Fatalf("failed to resolve database DSN: %v", err)
	}
	slackWebhook, err := secrets.Resolve(ctx, vaultClient, secrets.Ref(cfg.SlackWebhookURL))
	if err != nil {
		log.Fatalf("failed to resolve slack webhook: %v", err)
	}

	db, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var sink breaker.AlertSink = breaker.NopSink{}
	if slackWebhook != "" {
		sink = alert.NewSlackSink(slackWebhook, "#rpcgate-alerts")
	}

	br := breaker.New(breaker.Settings{
		Name:             "primary-upstream",
		FailureThreshold: uint32(cfg.FailureThreshold),
		ResetTimeout:     cfg.ResetTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		HasFallback:      cfg.HasFallback(),
		Sink:             sink,
	})

	disp := dispatch.New(cfg.PrimaryUpstreamURL, cfg.FallbackUpstreamURL, br, cfg.RequestTimeout)

	bl := blacklist.New(cfg.BlacklistFile)

	lim := ratelimit.New(db, ratelimit.Limits{
		OriginHourly: int64(cfg.OriginHourlyLimit),
		IPHourly:     int64(cfg.IPHourlyLimit),
		OriginDaily:  int64(cfg.OriginDailyLimit),
		IPDaily:      int64(cfg.IPDailyLimit),
	}, cfg.RateLimitPollInterval, 5000, 500)

	agg := aggregate.New(aggregate.LoggingOriginUpdater{}, db, aggregate.NopSettlement{}, cfg.BackgroundTaskInterval, nil)

	rl := rejectlog.New(rejectlog.StderrSink{})

	handler := proxy.New(bl, lim, br, disp, agg, rl)

	chain := middlewares.RequestID(
		middlewares.CorrelationID(
			middlewares.SecurityHeaders(
				middlewares.RequestLog(
					middlewares.Recovery()(handler),
				),
			),
		),
	)

	registry := prometheus.NewRegistry()
	monitoring.RegisterProvider(monitoring.NewPrometheusProvider(registry))
	adminSrv := admin.New(handler, adminKey, registry, !cfg.IsProduction())

	go func() {
		server.Run(ctx, cfg.AdminAddr, adminSrv.Handler(), nil)
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stopCh
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	tlsCfg := resolveInboundTLS(cfg)

	server.Run(ctx, cfg.ListenAddr, chain, tlsCfg)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	handler.Shutdown(shutdownCtx)
}

// resolveInboundTLS builds the inbound TLS config from cfg (spec §6:
// "TLS key and certificate read from two files at process start").
func resolveInboundTLS(cfg *config.Config) *server.TLSConfig {
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		slog.Info("inbound TLS: loading certificate from files", "cert", cfg.TLSCert, "key", cfg.TLSKey)
		return &server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey}
	}
	if !cfg.IsProduction() {
		slog.Info("inbound TLS: self-signed cert for local dev (non-production)")
		return &server.TLSConfig{SelfSignedIfMissing: true}
	}
	slog.Info("inbound TLS: disabled (expects TLS termination upstream)")
	return nil
}
