// Package app assembles the service: storage, chain adapters, the fee
// estimator and the campaign engine, and keeps them alive until a shutdown
// signal arrives.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/campaign"
	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/config"
	"github.com/multisender-app/multisender/internal/confirm"
	"github.com/multisender-app/multisender/internal/distributor/evm"
	"github.com/multisender-app/multisender/internal/distributor/solana"
	"github.com/multisender-app/multisender/internal/fees"
	"github.com/multisender-app/multisender/internal/logger"
	"github.com/multisender-app/multisender/internal/price"
	"github.com/multisender-app/multisender/internal/retry"
	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/postgres"
)

type Runner struct {
	cfg    *config.Config
	logger *logger.Logger

	store    storage.Store
	registry *chains.Registry
	engine   *campaign.Engine

	shutdown   *ShutdownHandler
	shutdownCh chan os.Signal
}

func NewRunner(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		logger:     log,
		shutdown:   NewShutdownHandler(log.Logger, 0),
		shutdownCh: make(chan os.Signal, 1),
	}
}

// Initialize connects storage, dials every configured chain and wires the
// campaign engine. Chains without an RPC URL are skipped.
func (r *Runner) Initialize(ctx context.Context) error {
	store, err := postgres.New(r.cfg.PostgresURL, r.logger.Logger)
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return fmt.Errorf("migrate storage: %w", err)
	}
	r.store = store
	r.shutdown.AddFunc("storage", store.Close)

	registry, err := chains.NewRegistry(r.cfg.ChainOverrides())
	if err != nil {
		return err
	}
	r.registry = registry

	var lookup price.Lookup
	if r.cfg.DisableLivePrices {
		lookup = price.Static(r.cfg.PriceFallbacksUSD)
	} else {
		lookup = price.NewClient(r.logger.Logger, r.cfg.PriceFallbacksUSD)
	}

	retrier := retry.New(r.logger.Logger)
	tracker := confirm.New(r.logger.Logger, retrier)

	feeOpts := []fees.Option{fees.WithAccountCreationRatio(r.cfg.AccountCreationRatio)}
	var engineOpts []campaign.Option

	for _, chain := range registry.All() {
		if chain.RPCURL == "" {
			r.logger.Debug("chain has no RPC URL, skipping", zap.String("chain", chain.ID))
			continue
		}
		switch chain.Family {
		case chains.FamilyAccountModel:
			adapter, err := evm.NewAdapter(ctx, chain, r.logger.Logger, retrier, tracker)
			if err != nil {
				return fmt.Errorf("dial %s: %w", chain.ID, err)
			}
			r.shutdown.AddFunc("adapter "+chain.ID, func() error {
				adapter.Close()
				return nil
			})
			feeOpts = append(feeOpts, fees.WithReader(chain.ID, adapter))
			engineOpts = append(engineOpts,
				campaign.WithTransferrer(chain.ID, adapter),
				campaign.WithBalanceReader(chain.ID, adapter),
				campaign.WithDeployer(chain.ID, adapter))
		case chains.FamilyAssociatedAccount:
			adapter, err := solana.NewAdapter(ctx, chain, r.logger.Logger, retrier, tracker)
			if err != nil {
				return fmt.Errorf("dial %s: %w", chain.ID, err)
			}
			engineOpts = append(engineOpts,
				campaign.WithTransferrer(chain.ID, adapter),
				campaign.WithBalanceReader(chain.ID, adapter))
		default:
			return fmt.Errorf("chain %s has unknown family %q", chain.ID, chain.Family)
		}
		r.logger.Info("chain adapter ready",
			zap.String("chain", chain.ID),
			zap.String("family", string(chain.Family)))
	}

	estimator := fees.New(registry, lookup, r.logger.Logger, feeOpts...)
	r.engine = campaign.New(store, registry, estimator, r.logger.Logger, engineOpts...)
	return nil
}

// Engine exposes the campaign engine to the serving surface.
func (r *Runner) Engine() *campaign.Engine {
	return r.engine
}

// Run blocks until a termination signal arrives, then shuts everything down.
func (r *Runner) Run(ctx context.Context) error {
	if r.engine == nil {
		return fmt.Errorf("runner not initialized")
	}

	signal.Notify(r.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	r.logger.Info("multisender running")

	select {
	case sig := <-r.shutdownCh:
		r.logger.Info("Signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		r.logger.Info("Context cancelled", zap.Error(ctx.Err()))
	}

	r.shutdown.Shutdown()
	return nil
}
