package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydock/relaydock/internal/audit"
	"github.com/relaydock/relaydock/internal/auth"
	"github.com/relaydock/relaydock/internal/config"
	"github.com/relaydock/relaydock/internal/db"
	"github.com/relaydock/relaydock/internal/gateway"
	"github.com/relaydock/relaydock/internal/health"
	"github.com/relaydock/relaydock/internal/logging"
	"github.com/relaydock/relaydock/internal/metrics"
	"github.com/relaydock/relaydock/internal/queue"
	"github.com/relaydock/relaydock/internal/retention"
	"github.com/relaydock/relaydock/internal/subscription"
	"github.com/relaydock/relaydock/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("relaydock-api")

	shutdown, err := tracing.Init(ctx, "relaydock-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	producer, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.Topic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	// Admin auth is optional: no configured key means open CRUD routes
	var validator *auth.Validator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("admin JWT key parse failed")
		}
	}

	attemptStore := audit.NewPGStore(pool)
	subStore := subscription.NewStore(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, producer))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := gateway.NewServer(subStore, attemptStore, producer, validator, logger)
	srv.Register(mux)

	// Retention runs inside the API process, hourly, cancelled on shutdown
	pruner := retention.NewPruner(attemptStore, cfg.Retention.Horizon, cfg.Retention.Interval, logging.New("relaydock-retention"))
	go pruner.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("api service stopped")
}
