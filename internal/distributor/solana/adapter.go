// Package solana implements the associated-account batch transfer adapter.
// Transfers require each recipient to hold a token account for the mint, so
// batches run through a derive → probe → create → transfer pipeline that
// keeps RPC round-trips to a minimum.
package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/confirm"
	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

var ErrInvalidPrivateKey = errors.New("invalid private key material")

// existenceProbeChunk bounds one getMultipleAccounts query.
const existenceProbeChunk = 100

// interBatchDelay paces consecutive transfer batches to stay under public
// RPC rate limits.
const interBatchDelay = 500 * time.Millisecond

// Adapter is the associated-account implementation of
// distributor.Transferrer.
type Adapter struct {
	client  *rpc.Client
	chain   chains.Config
	logger  *zap.Logger
	retrier *retry.Executor
	tracker *confirm.Tracker
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSleep injects the inter-batch pacing delay, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = sleep }
}

// NewAdapter connects to the chain's RPC endpoint and verifies it answers.
func NewAdapter(ctx context.Context, chain chains.Config, logger *zap.Logger, retrier *retry.Executor, tracker *confirm.Tracker, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		client:  rpc.New(chain.RPCURL),
		chain:   chain,
		logger:  logger.Named("solana").With(zap.String("chain", chain.ID)),
		retrier: retrier,
		tracker: tracker,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	probe := func() error {
		_, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	}
	if err := backoff.Retry(probe, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("connect to %s rpc: %w", chain.ID, err)
	}
	return a, nil
}

// parseKey decodes base58 private key material, mirroring the 64-byte
// ed25519 keypair layout.
func parseKey(creds distributor.Credentials) (solana.PrivateKey, solana.PublicKey, error) {
	raw, err := base58.Decode(creds.PrivateKey)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if len(raw) != 64 {
		return nil, solana.PublicKey{}, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidPrivateKey, len(raw))
	}
	key := solana.PrivateKey(raw)
	return key, key.PublicKey(), nil
}

// computeUnitLimit scales the requested compute budget with the number of
// payload instructions, capped at the runtime's per-transaction maximum.
func computeUnitLimit(payloadCount int) uint32 {
	units := uint32(100_000 + 30_000*payloadCount)
	if units > 1_400_000 {
		units = 1_400_000
	}
	return units
}

// priorityInstructions prefixes a transaction with its compute budget
// requests.
func (a *Adapter) priorityInstructions(payloadCount int) []solana.Instruction {
	return []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(computeUnitLimit(payloadCount)).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(a.chain.PriorityFee).Build(),
	}
}

// signatureStatus builds a confirmation status function for one signature.
func (a *Adapter) signatureStatus(sig solana.Signature) confirm.StatusFunc {
	return func(ctx context.Context) (confirm.State, error) {
		resp, err := a.client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return confirm.StatePending, err
		}
		if resp == nil || len(resp.Value) == 0 || resp.Value[0] == nil {
			return confirm.StatePending, nil
		}
		status := resp.Value[0]
		if status.Err != nil {
			return confirm.StateFailed, nil
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return confirm.StateConfirmed, nil
		default:
			return confirm.StatePending, nil
		}
	}
}

// sendAndConfirm builds, signs, submits and confirms one transaction. The
// compute budget prefix is added here.
func (a *Adapter) sendAndConfirm(ctx context.Context, key solana.PrivateKey, payer solana.PublicKey, payload []solana.Instruction) (solana.Signature, error) {
	policy := retry.PolicyFor(retry.DomainChainRPC)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	blockhash, err := retry.DoValue(ctx, a.retrier, policy, classifier,
		func(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
			return a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("read blockhash: %w", err)
	}

	instructions := append(a.priorityInstructions(len(payload)), payload...)
	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	if _, err = tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(payer) {
			return &key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := retry.DoValue(ctx, a.retrier, policy, classifier,
		func(ctx context.Context) (solana.Signature, error) {
			return a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
				SkipPreflight:       false,
				PreflightCommitment: rpc.CommitmentConfirmed,
			})
		})
	if err != nil {
		return solana.Signature{}, err
	}

	res, err := a.tracker.Wait(ctx, a.chain, a.signatureStatus(sig))
	if err != nil {
		return sig, err
	}
	switch res.State {
	case confirm.StateConfirmed:
		return sig, nil
	case confirm.StateFailed:
		return sig, fmt.Errorf("transaction %s failed on-chain", sig)
	default:
		return sig, fmt.Errorf("confirmation timeout for transaction %s", sig)
	}
}

// mintDecimals reads a token mint's decimals for base-unit conversion.
func (a *Adapter) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	supply, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*rpc.GetTokenSupplyResult, error) {
			return a.client.GetTokenSupply(ctx, mint, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return 0, fmt.Errorf("read mint decimals: %w", err)
	}
	return supply.Value.Decimals, nil
}
