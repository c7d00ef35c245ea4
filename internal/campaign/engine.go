// Package campaign owns the distribution lifecycle: campaign state, the
// recipient batch loop, the deployment idempotency guard, and withdrawals.
// It talks to the chain only through the distributor contract and persists
// through the storage repositories.
package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/export"
	"github.com/multisender-app/multisender/internal/fees"
	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/models"
	"github.com/multisender-app/multisender/internal/wallet"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign state transition")
	ErrCampaignTerminal  = errors.New("campaign is in a terminal state")
	ErrNoTransferrer     = errors.New("no transfer adapter registered for chain")
	ErrCampaignRunning   = errors.New("campaign batch loop is already running")
)

// BalanceReader reports campaign wallet balances for funding checks. Both
// adapters implement it.
type BalanceReader interface {
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, token distributor.Token, address string) (decimal.Decimal, error)
}

// Engine is the lifecycle controller behind the public surface.
type Engine struct {
	store     storage.Store
	registry  *chains.Registry
	estimator *fees.Estimator
	logger    *zap.Logger

	transferrers map[string]distributor.Transferrer
	balances     map[string]BalanceReader
	deployers    map[string]Deployer
	exporter     *export.Exporter

	guards guardSet
	runs   runSet
}

// Option wires optional collaborators into the Engine.
type Option func(*Engine)

// WithTransferrer registers the transfer adapter for one chain.
func WithTransferrer(chainID string, t distributor.Transferrer) Option {
	return func(e *Engine) { e.transferrers[chainID] = t }
}

// WithBalanceReader registers a funding-status source for one chain.
func WithBalanceReader(chainID string, r BalanceReader) Option {
	return func(e *Engine) { e.balances[chainID] = r }
}

// WithDeployer registers a contract deployer for one chain.
func WithDeployer(chainID string, d Deployer) Option {
	return func(e *Engine) { e.deployers[chainID] = d }
}

// New constructs the Engine.
func New(store storage.Store, registry *chains.Registry, estimator *fees.Estimator, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		registry:     registry,
		estimator:    estimator,
		logger:       log.Named("campaign"),
		transferrers: make(map[string]distributor.Transferrer),
		balances:     make(map[string]BalanceReader),
		deployers:    make(map[string]Deployer),
		exporter:     export.New(log.Named("export")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecipientInput is one pre-validated distribution target.
type RecipientInput struct {
	Address string
	Amount  decimal.Decimal
}

// Spec describes a campaign to create.
type Spec struct {
	Name         string
	ChainID      string
	TokenAddress string
	Recipients   []RecipientInput
	// BatchSize, when positive, caps the recommended batch size.
	BatchSize int
	// Passphrase obfuscates the generated wallet key at rest.
	Passphrase string
}

// CreateCampaign generates a campaign wallet, persists the campaign and its
// recipients in one transaction and returns the stored record. The wallet's
// private key is returned only here, never again.
func (e *Engine) CreateCampaign(ctx context.Context, spec Spec) (*models.Campaign, *wallet.Wallet, error) {
	if spec.Name == "" {
		return nil, nil, errors.New("campaign name must not be empty")
	}
	if len(spec.Recipients) == 0 {
		return nil, nil, errors.New("campaign needs at least one recipient")
	}
	chain, err := e.registry.Resolve(spec.ChainID)
	if err != nil {
		return nil, nil, err
	}

	total := decimal.Zero
	recipients := make([]*models.Recipient, 0, len(spec.Recipients))
	for _, r := range spec.Recipients {
		if !r.Amount.IsPositive() {
			return nil, nil, fmt.Errorf("recipient %s: amount must be positive", r.Address)
		}
		total = total.Add(r.Amount)
		recipients = append(recipients, &models.Recipient{
			Address: r.Address,
			Amount:  r.Amount.String(),
			Status:  models.RecipientPending,
		})
	}

	w, err := wallet.Generate(chain.Family)
	if err != nil {
		return nil, nil, err
	}
	obfuscated, err := wallet.Obfuscate(w.PrivateKey, spec.Passphrase)
	if err != nil {
		return nil, nil, err
	}

	batchSize := fees.RecommendedBatchSize(chain, len(spec.Recipients))
	if spec.BatchSize > 0 && spec.BatchSize < batchSize {
		batchSize = spec.BatchSize
	}

	c := &models.Campaign{
		ID:                  uuid.NewString(),
		Name:                spec.Name,
		ChainID:             chain.ID,
		TokenAddress:        spec.TokenAddress,
		Status:              models.CampaignCreated,
		WalletAddress:       w.Address,
		WalletKeyObfuscated: obfuscated,
		BatchSize:           batchSize,
		TotalRecipients:     len(recipients),
		TotalAmount:         total.String(),
	}
	if err := e.store.Campaigns().CreateWithRecipients(ctx, c, recipients); err != nil {
		return nil, nil, fmt.Errorf("persist campaign: %w", err)
	}

	e.logger.Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("chain", c.ChainID),
		zap.Int("recipients", c.TotalRecipients),
		zap.Int("batch_size", c.BatchSize))
	return c, w, nil
}

// Estimate predicts distribution cost without touching campaign state.
func (e *Engine) Estimate(ctx context.Context, req fees.Request) (*fees.Estimate, error) {
	return e.estimator.Estimate(ctx, req)
}

// credentials reveals the campaign wallet key for one operation.
func (e *Engine) credentials(c *models.Campaign, passphrase string) (distributor.Credentials, error) {
	key, err := wallet.Reveal(c.WalletKeyObfuscated, passphrase)
	if err != nil {
		return distributor.Credentials{}, err
	}
	return distributor.Credentials{PrivateKey: key}, nil
}

func (e *Engine) transferrerFor(chainID string) (distributor.Transferrer, error) {
	t, ok := e.transferrers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTransferrer, chainID)
	}
	return t, nil
}
