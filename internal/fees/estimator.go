// Package fees sizes batches and predicts distribution cost before any
// funds move. Estimates are computed on demand from live fee data where a
// reader is wired, with per-chain static fallbacks, and are never persisted.
package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/price"
)

// tokenAccountRentLamports is the rent-exempt minimum for a standard token
// account (165 bytes).
const tokenAccountRentLamports = 2_039_280

// FeeData is a snapshot of an account-model chain's fee market.
type FeeData struct {
	// Dynamic reports EIP-1559 support: BaseFee and Tip are set and GasPrice
	// is the effective ceiling. When false only GasPrice is meaningful.
	Dynamic  bool
	BaseFee  *big.Int
	Tip      *big.Int
	GasPrice *big.Int
	// Degraded is set when live reads failed and a static fallback was used.
	Degraded bool
}

// Reader supplies live fee-market data for one account-model chain. The
// contract-mediated adapter implements it.
type Reader interface {
	FeeSnapshot(ctx context.Context) FeeData
}

// Request describes what is being estimated.
type Request struct {
	ChainID      string
	TokenAddress string // empty for the native asset
	Recipients   int
	// PreferredBatchSize, when positive, caps the recommendation below the
	// tiered default. It can never raise it above the chain ceiling.
	PreferredBatchSize int
}

// Estimate is the transient result of one estimation. Fees are in the
// chain's native asset, human units.
type Estimate struct {
	ChainID    string
	Symbol     string
	Recipients int
	BatchSize  int
	BatchCount int

	PerBatchFee decimal.Decimal
	TotalFee    decimal.Decimal

	TotalUSD      decimal.Decimal
	PriceDegraded bool

	// FeeData is populated for account-model chains only, so the caller can
	// judge fee-market eligibility.
	FeeData         *FeeData
	FeeDataDegraded bool

	// AssumedAccountCreations is populated for associated-account token
	// estimates: the number of recipients assumed to need a new token
	// account, priced at rent-exemption cost.
	AssumedAccountCreations int
}

// Estimator computes fee estimates per chain.
type Estimator struct {
	registry *chains.Registry
	price    price.Lookup
	logger   *zap.Logger
	readers  map[string]Reader

	// accountCreationRatio is the assumed fraction of recipients without an
	// existing token account. A heuristic pending calibration against real
	// network data.
	accountCreationRatio float64
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithReader wires a live fee-data source for one chain.
func WithReader(chainID string, r Reader) Option {
	return func(e *Estimator) { e.readers[chainID] = r }
}

// WithAccountCreationRatio overrides the assumed fraction of recipients
// needing new token accounts.
func WithAccountCreationRatio(ratio float64) Option {
	return func(e *Estimator) {
		if ratio >= 0 && ratio <= 1 {
			e.accountCreationRatio = ratio
		}
	}
}

// New constructs an Estimator over the chain registry.
func New(registry *chains.Registry, lookup price.Lookup, logger *zap.Logger, opts ...Option) *Estimator {
	e := &Estimator{
		registry:             registry,
		price:                lookup,
		logger:               logger.Named("fees"),
		readers:              make(map[string]Reader),
		accountCreationRatio: 0.30,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecommendedBatchSize applies the recipient-count tiering: small campaigns
// use smaller, safer batches even below the chain ceiling. The result is
// monotonically non-decreasing in recipient count and never exceeds the
// ceiling.
func RecommendedBatchSize(chain chains.Config, recipients int) int {
	ceiling := chain.MaxBatchSize
	// Each tier is a floor of the one below it, so chains whose ceiling sits
	// near the base tier never shrink as campaigns grow.
	size := 10
	switch {
	case recipients > 1000:
		size = ceiling
	case recipients > 100:
		size = max(size, ceiling/2)
	case recipients > 10:
		size = max(size, ceiling/4)
	}
	if size > ceiling {
		size = ceiling
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Estimate produces the fee prediction for one distribution.
func (e *Estimator) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	if req.Recipients <= 0 {
		return nil, fmt.Errorf("recipient count must be positive, got %d", req.Recipients)
	}
	chain, err := e.registry.Resolve(req.ChainID)
	if err != nil {
		return nil, err
	}

	batchSize := RecommendedBatchSize(chain, req.Recipients)
	if req.PreferredBatchSize > 0 && req.PreferredBatchSize < batchSize {
		batchSize = req.PreferredBatchSize
	}
	batchCount := (req.Recipients + batchSize - 1) / batchSize

	est := &Estimate{
		ChainID:    chain.ID,
		Symbol:     chain.Symbol,
		Recipients: req.Recipients,
		BatchSize:  batchSize,
		BatchCount: batchCount,
	}

	switch chain.Family {
	case chains.FamilyAccountModel:
		e.estimateAccountModel(ctx, chain, req, est)
	case chains.FamilyAssociatedAccount:
		e.estimateAssociatedAccount(chain, req, est)
	default:
		return nil, fmt.Errorf("unknown chain family %q", chain.Family)
	}

	usd, degraded := e.price.USDPrice(ctx, chain.Symbol)
	est.PriceDegraded = degraded
	est.TotalUSD = est.TotalFee.Mul(decimal.NewFromFloat(usd)).Round(2)

	e.logger.Debug("estimate computed",
		zap.String("chain", chain.ID),
		zap.Int("recipients", req.Recipients),
		zap.Int("batch_size", est.BatchSize),
		zap.String("total_fee", est.TotalFee.String()),
		zap.Bool("fee_data_degraded", est.FeeDataDegraded))
	return est, nil
}

func (e *Estimator) estimateAccountModel(ctx context.Context, chain chains.Config, req Request, est *Estimate) {
	data := e.feeData(ctx, chain)
	est.FeeData = &data
	est.FeeDataDegraded = data.Degraded

	// Expected price per gas unit: base fee plus tip under the dynamic fee
	// market, otherwise the legacy quote.
	unit := data.GasPrice
	if data.Dynamic {
		unit = new(big.Int).Add(data.BaseFee, data.Tip)
	}

	perBatchGas := chain.GasTxOverhead + chain.GasPerTransfer*uint64(est.BatchSize)
	totalGas := chain.GasTxOverhead*uint64(est.BatchCount) + chain.GasPerTransfer*uint64(req.Recipients)

	shift := -int32(chain.NativeDecimals)
	est.PerBatchFee = weiFee(perBatchGas, unit).Shift(shift)
	est.TotalFee = weiFee(totalGas, unit).Shift(shift)
}

func (e *Estimator) estimateAssociatedAccount(chain chains.Config, req Request, est *Estimate) {
	perTx := chain.SignatureFee + chain.PriorityFee

	totalLamports := uint64(est.BatchCount) * perTx
	if req.TokenAddress != "" {
		// Some recipients will not hold a token account yet; each new account
		// costs its rent-exempt minimum plus a share of the creation
		// transactions.
		creations := int(float64(req.Recipients)*e.accountCreationRatio + 0.5)
		est.AssumedAccountCreations = creations
		if creations > 0 && chain.CreateSubBatchSize > 0 {
			creationTxs := (creations + chain.CreateSubBatchSize - 1) / chain.CreateSubBatchSize
			totalLamports += uint64(creationTxs)*perTx + uint64(creations)*tokenAccountRentLamports
		}
	}

	shift := -int32(chain.NativeDecimals)
	est.PerBatchFee = decimal.NewFromUint64(perTx).Shift(shift)
	est.TotalFee = decimal.NewFromUint64(totalLamports).Shift(shift)
}

// feeData reads the live fee market where a reader is wired, otherwise the
// configured static fallback flagged degraded.
func (e *Estimator) feeData(ctx context.Context, chain chains.Config) FeeData {
	if r, ok := e.readers[chain.ID]; ok {
		return r.FeeSnapshot(ctx)
	}
	return FeeData{
		GasPrice: new(big.Int).SetUint64(chain.FallbackGasPriceWei),
		Degraded: true,
	}
}

func weiFee(gas uint64, unitPrice *big.Int) decimal.Decimal {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gas), unitPrice)
	return decimal.NewFromBigInt(wei, 0)
}
