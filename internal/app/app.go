// Package app wires configuration into a ready record orchestrator. The
// service and the command line tool share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/internal/records"
	"github.com/medrex/emr-ledger/internal/store"
	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/encryption"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

// Runtime holds everything one process needs to run record flows
type Runtime struct {
	Config       *config.Config
	Logger       *logger.Logger
	Metrics      *monitoring.MetricsCollector
	Tracing      *monitoring.TracingManager
	Ledger       *ledger.Client
	Node         *ethclient.Client
	Store        *store.Client
	Orchestrator *records.Orchestrator
}

// Option adjusts how Build assembles the runtime
type Option func(*buildOptions)

type buildOptions struct {
	confirm func(*ethtypes.Transaction) bool
}

// WithSignatureConfirmation asks confirm before the wallet signs anything
func WithSignatureConfirmation(confirm func(*ethtypes.Transaction) bool) Option {
	return func(o *buildOptions) {
		o.confirm = confirm
	}
}

// Build connects to the ledger node and the document store. A missing wallet
// is not fatal: the runtime still serves identity-free views.
func Build(ctx context.Context, serviceName, version string, cfg *config.Config, log *logger.Logger, opts ...Option) (*Runtime, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  log,
		Metrics: monitoring.NewMetricsCollector(serviceName),
	}

	if cfg.Monitoring.TracingEnabled {
		tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Monitoring.OTLPEndpoint,
			Environment:    cfg.Monitoring.Environment,
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		rt.Tracing = tracing
	}

	var signer wallet.Signer
	w, err := wallet.FromConfig(cfg.Wallet, cfg.Ledger.ChainID)
	switch {
	case err == nil:
		signer = w
		if bo.confirm != nil {
			signer = wallet.Confirming{Signer: w, Confirm: bo.confirm}
		}
		log.WithIdentity(w.Address().Hex()).Info("Wallet loaded")
	case errors.Is(err, types.ErrWalletUnavailable):
		log.Warn("No wallet configured; only read-only views are available")
	default:
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	client, node, err := ledger.Dial(ctx, cfg.Ledger, signer, log, rt.Metrics)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.Ledger = client.WithTracing(rt.Tracing)
	rt.Node = node

	s, err := store.Open(ctx, cfg.Store, log, rt.Metrics)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.Store = s.WithTracing(rt.Tracing)

	cipher, err := encryption.NewRecordCipher(cfg.Encryption.MasterSecret, cfg.Encryption.LegacyPassphrase)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	rt.Orchestrator = records.New(rt.Ledger, rt.Store, cipher, log, rt.Metrics, rt.Tracing, records.Options{
		Concurrency:    cfg.Retrieve.Concurrency,
		ConfirmTimeout: time.Duration(cfg.Ledger.ConfirmTimeout) * time.Second,
	})

	log.WithFields(map[string]interface{}{
		"contract": cfg.Ledger.ContractAddress,
		"chain_id": cfg.Ledger.ChainID,
		"store":    s.Name(),
	}).Info("Record runtime ready")

	return rt, nil
}

// HealthManager registers the ledger and store checks
func (rt *Runtime) HealthManager(serviceName, version string) *monitoring.HealthManager {
	hm := monitoring.NewHealthManager(serviceName, version)
	hm.SetTimeout(time.Duration(rt.Config.Monitoring.HealthTimeout) * time.Second)
	hm.RegisterChecker("ledger", monitoring.NewLedgerHealthChecker(rt.Node, big.NewInt(rt.Config.Ledger.ChainID)))
	hm.RegisterChecker("store", monitoring.NewStoreHealthChecker(rt.Store, rt.Store.Name()))
	return hm
}

// Close releases the store, the node connection and the tracer
func (rt *Runtime) Close(ctx context.Context) {
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			rt.Logger.WithError(err).Error("Failed to close document store")
		}
	}
	if rt.Node != nil {
		rt.Node.Close()
	}
	if err := rt.Tracing.Shutdown(ctx); err != nil {
		rt.Logger.WithError(err).Error("Failed to shutdown tracing")
	}
}
