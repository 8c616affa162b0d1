package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/medrex/emr-ledger/internal/app"
	"github.com/medrex/emr-ledger/internal/auth"
	"github.com/medrex/emr-ledger/internal/records"
	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
)

const (
	serviceName    = "records-service"
	serviceVersion = "2.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.New(cfg.LogLevel)
	log.WithComponent(serviceName).Info("Starting Records Service")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rt, err := app.Build(ctx, serviceName, serviceVersion, cfg, log)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize records runtime")
	}

	// Tokens are only honoured for the identity the service signs as. Without
	// a wallet the service serves read-only views to any valid token.
	var identity common.Address
	if caller, err := rt.Ledger.Caller(); err == nil {
		identity = caller
	} else {
		log.WithError(err).Warn("Accepting tokens for any identity")
	}
	validator, err := auth.NewTokenValidator(cfg.JWT, identity)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize token validation")
	}

	router := mux.NewRouter()

	if cfg.Monitoring.Enabled {
		mm := monitoring.NewMonitoringMiddleware(rt.Metrics, rt.Tracing, log)
		router.Use(mm.HTTPMiddleware)
		router.Handle(cfg.Monitoring.MetricsPath, rt.Metrics.Handler()).Methods("GET")
		router.HandleFunc(cfg.Monitoring.HealthPath, rt.HealthManager(serviceName, serviceVersion).HTTPHandler()).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(auth.Middleware(validator, log))
	records.NewHandlers(rt.Orchestrator, log).RegisterRoutes(apiRouter)

	// Origin checks wrap the router so preflights are answered before route
	// method matching.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      auth.CORS(cfg.Server.AllowedOrigins)(router),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Records Service")

	// In-flight publishes may be waiting on confirmations; give them the
	// write timeout to finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.WriteTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shutdown server gracefully")
	}
	rt.Close(shutdownCtx)

	log.Info("Records Service stopped")
}
