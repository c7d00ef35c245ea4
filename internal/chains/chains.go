package chains

import (
	"fmt"
	"time"
)

// Family tags how a ledger models balances. It is resolved once when the
// registry is built and threaded through explicitly; nothing downstream
// re-derives it from the chain identifier.
type Family string

const (
	// FamilyAccountModel covers EVM-style chains where balances live on
	// addresses and batch transfers go through a distribution contract.
	FamilyAccountModel Family = "account"
	// FamilyAssociatedAccount covers Solana-style chains where holding a
	// fungible asset requires a derived per-owner token account.
	FamilyAssociatedAccount Family = "associated-account"
)

// Config describes one supported chain. All durations and sizes feed the
// confirmation tracker and the fee estimator; none of them are re-read from
// the network at runtime.
type Config struct {
	ID             string
	Name           string
	Family         Family
	Symbol         string
	NativeDecimals uint8
	RPCURL         string

	// Confirmation cadence.
	BlockTime          time.Duration
	BaseConfirmTimeout time.Duration

	// Batch sizing.
	MaxBatchSize       int
	CreateSubBatchSize int // associated-account chains only

	// Account-model fee parameters.
	GasPerTransfer      uint64
	GasTxOverhead       uint64
	GasDeployEstimate   uint64
	FallbackGasPriceWei uint64

	// Associated-account fee parameters, in lamport-equivalents.
	SignatureFee uint64
	PriorityFee  uint64

	// Withdrawal sweeps keep fee × this multiplier in reserve.
	WithdrawReserveMultiplier float64
}

// Registry resolves chain identifiers to configurations.
type Registry struct {
	byID map[string]Config
}

// defaults is the built-in chain table. RPC URLs are placeholders until the
// operator configuration overrides them.
func defaults() []Config {
	return []Config{
		{
			ID: "ethereum", Name: "Ethereum", Family: FamilyAccountModel,
			Symbol: "ETH", NativeDecimals: 18,
			BlockTime: 12 * time.Second, BaseConfirmTimeout: 3 * time.Minute,
			MaxBatchSize:   200,
			GasPerTransfer: 35_000, GasTxOverhead: 60_000, GasDeployEstimate: 900_000,
			FallbackGasPriceWei:       30_000_000_000,
			WithdrawReserveMultiplier: 1.2,
		},
		{
			ID: "bsc", Name: "BNB Smart Chain", Family: FamilyAccountModel,
			Symbol: "BNB", NativeDecimals: 18,
			BlockTime: 3 * time.Second, BaseConfirmTimeout: 90 * time.Second,
			MaxBatchSize:   500,
			GasPerTransfer: 35_000, GasTxOverhead: 60_000, GasDeployEstimate: 900_000,
			FallbackGasPriceWei:       5_000_000_000,
			WithdrawReserveMultiplier: 1.2,
		},
		{
			ID: "polygon", Name: "Polygon", Family: FamilyAccountModel,
			Symbol: "POL", NativeDecimals: 18,
			BlockTime: 2 * time.Second, BaseConfirmTimeout: 90 * time.Second,
			MaxBatchSize:   500,
			GasPerTransfer: 35_000, GasTxOverhead: 60_000, GasDeployEstimate: 900_000,
			FallbackGasPriceWei:       50_000_000_000,
			WithdrawReserveMultiplier: 1.5,
		},
		{
			ID: "solana", Name: "Solana", Family: FamilyAssociatedAccount,
			Symbol: "SOL", NativeDecimals: 9,
			BlockTime: 400 * time.Millisecond, BaseConfirmTimeout: 60 * time.Second,
			MaxBatchSize: 10, CreateSubBatchSize: 6,
			SignatureFee: 5_000, PriorityFee: 10_000,
			WithdrawReserveMultiplier: 1.5,
		},
		{
			ID: "solana-devnet", Name: "Solana Devnet", Family: FamilyAssociatedAccount,
			Symbol: "SOL", NativeDecimals: 9,
			BlockTime: 400 * time.Millisecond, BaseConfirmTimeout: 60 * time.Second,
			MaxBatchSize: 10, CreateSubBatchSize: 6,
			SignatureFee: 5_000, PriorityFee: 10_000,
			WithdrawReserveMultiplier: 1.5,
		},
	}
}

// Override adjusts a chain entry from operator configuration. Zero values
// leave the built-in default in place.
type Override struct {
	ChainID                   string
	RPCURL                    string
	MaxBatchSize              int
	FallbackGasPriceWei       uint64
	PriorityFee               uint64
	WithdrawReserveMultiplier float64
}

// NewRegistry builds the chain table, applying operator overrides on top of
// the built-in defaults.
func NewRegistry(overrides []Override) (*Registry, error) {
	byID := make(map[string]Config, len(defaults()))
	for _, c := range defaults() {
		byID[c.ID] = c
	}
	for _, o := range overrides {
		c, ok := byID[o.ChainID]
		if !ok {
			return nil, fmt.Errorf("unknown chain in configuration: %q", o.ChainID)
		}
		if o.RPCURL != "" {
			c.RPCURL = o.RPCURL
		}
		if o.MaxBatchSize > 0 {
			c.MaxBatchSize = o.MaxBatchSize
		}
		if o.FallbackGasPriceWei > 0 {
			c.FallbackGasPriceWei = o.FallbackGasPriceWei
		}
		if o.PriorityFee > 0 {
			c.PriorityFee = o.PriorityFee
		}
		if o.WithdrawReserveMultiplier > 0 {
			c.WithdrawReserveMultiplier = o.WithdrawReserveMultiplier
		}
		byID[o.ChainID] = c
	}
	return &Registry{byID: byID}, nil
}

// Resolve returns the configuration for a chain identifier.
func (r *Registry) Resolve(chainID string) (Config, error) {
	c, ok := r.byID[chainID]
	if !ok {
		return Config{}, fmt.Errorf("unsupported chain: %q", chainID)
	}
	return c, nil
}

// All returns every configured chain, for listing surfaces.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
