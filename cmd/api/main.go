package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hookrelay/internal/api"
	"hookrelay/internal/config"
	"hookrelay/internal/metrics"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}
	log := newLogger()
	defer func() { _ = log.Sync() }()

	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg, log)
	if err != nil {
		log.Fatal("init server", zap.Error(err))
	}

	mux := http.NewServeMux()

	// Endpoint registry
	mux.HandleFunc("/v1/endpoints", srv.EndpointsHandler)
	mux.HandleFunc("/v1/endpoints/", srv.EndpointByIDHandler)

	// Admin introspection
	mux.HandleFunc("/v1/admin/deliveries", srv.DeliveriesHandler)
	mux.HandleFunc("/v1/admin/deliveries/stream", srv.DeliveryStreamHandler)
	mux.HandleFunc("/v1/admin/deliveries/ws", srv.DeliveryWSHandler)
	mux.HandleFunc("/v1/admin/deliveries/", srv.DeliveryByIDHandler)
	mux.HandleFunc("/v1/admin/dead-letters", srv.DeadLettersHandler)
	mux.HandleFunc("/v1/admin/dead-letters/", srv.DeadLetterRequeueHandler)

	// Inbound verified receiver
	mux.HandleFunc("/v1/inbound/", srv.InboundHandler)

	// Ops
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.HandleFunc("/debug", srv.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.WithObservability(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := srv.NewDispatcher()
	worker.Start(ctx)

	go func() {
		log.Info("api listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	worker.Stop()
	log.Info("bye")
}

func newLogger() *zap.Logger {
	if os.Getenv("ENV") == "production" {
		log, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return log
}
