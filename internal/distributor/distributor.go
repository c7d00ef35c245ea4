// Package distributor defines the contract shared by the chain-specific
// batch transfer adapters. The campaign controller talks to this interface
// only; which adapter backs it is decided by the chain family.
package distributor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrReserveNotCovered means a withdrawal was refused because the wallet
	// balance would drop below the fee reserve.
	ErrReserveNotCovered = errors.New("wallet balance does not cover the fee reserve")
	// ErrEmptyBatch means TransferBatch was called with no recipients.
	ErrEmptyBatch = errors.New("empty recipient batch")
)

// Token identifies the asset being distributed. An empty Address means the
// chain's native asset.
type Token struct {
	ChainID string
	Address string
}

// Native reports whether the token is the chain's native asset.
func (t Token) Native() bool { return t.Address == "" }

// Recipient is one pre-validated distribution target. ID is the recipient's
// storage row; outcomes are keyed by it so that duplicate addresses within a
// campaign settle independently. Amount is in human units; adapters convert
// to base units using the asset's decimals.
type Recipient struct {
	ID      uint
	Address string
	Amount  decimal.Decimal
}

// Credentials carry the campaign wallet's private key material for one call.
// Adapters must not retain them.
type Credentials struct {
	// PrivateKey is hex-encoded for account-model chains and base58-encoded
	// for associated-account chains.
	PrivateKey string
}

// BatchStatus summarizes a batch outcome.
type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchPartial BatchStatus = "partial"
	BatchFailed  BatchStatus = "failed"
)

// Failure records why one recipient could not be paid.
type Failure struct {
	ID      uint
	Address string
	Reason  string
}

// Submission is one on-chain transaction attempted for a batch. Failed marks
// a submission that reverted or timed out after landing in the mempool.
type Submission struct {
	Hash   string
	Failed bool
}

// Outcome reports the result of one TransferBatch call. Successes and
// Failures partition the input recipients by their storage row IDs.
type Outcome struct {
	Status      BatchStatus
	Successes   []uint
	Failures    []Failure
	Submissions []Submission
	// FeeConsumed is in the chain's native asset, human units.
	FeeConsumed decimal.Decimal
	// DegradedFeeData is set when live fee reads failed and a static
	// fallback priced the batch.
	DegradedFeeData bool
}

// Finalize derives Status from the success/failure split.
func (o *Outcome) Finalize() {
	switch {
	case len(o.Failures) == 0:
		o.Status = BatchSuccess
	case len(o.Successes) == 0:
		o.Status = BatchFailed
	default:
		o.Status = BatchPartial
	}
}

// Request is one batch transfer. ContractAddress is required for fungible
// tokens on account-model chains and ignored elsewhere.
type Request struct {
	Token           Token
	Recipients      []Recipient
	Credentials     Credentials
	ContractAddress string
}

// Withdrawal reports a completed sweep of unused campaign-wallet funds.
type Withdrawal struct {
	TransactionHash string
	Amount          decimal.Decimal
	Reserved        decimal.Decimal
}

// Transferrer is the orchestrator contract both adapters implement.
type Transferrer interface {
	// TransferBatch pays every recipient in the batch, isolating per-recipient
	// failures. It returns an error only for batch-fatal conditions (bad
	// credentials, missing chain configuration); chain-level rejections are
	// reported inside the Outcome.
	TransferBatch(ctx context.Context, req Request) (*Outcome, error)

	// WithdrawNative sweeps the wallet's native balance to the given address,
	// keeping the fee reserve. Fails closed with ErrReserveNotCovered.
	WithdrawNative(ctx context.Context, creds Credentials, to string) (*Withdrawal, error)

	// WithdrawToken sweeps the wallet's balance of the given token.
	WithdrawToken(ctx context.Context, creds Credentials, token Token, to string) (*Withdrawal, error)
}
