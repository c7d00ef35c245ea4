package solana

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	token "github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

// lamportReserve is the amount withheld from a native sweep: the per-tx fee
// scaled by the chain's reserve multiplier, plus the rent-exempt minimum so
// the wallet account is not garbage collected.
func (a *Adapter) lamportReserve(ctx context.Context) (uint64, error) {
	rent, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (uint64, error) {
			return a.client.GetMinimumBalanceForRentExemption(ctx, 0, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return 0, fmt.Errorf("read rent exemption: %w", err)
	}
	fee := float64(a.chain.SignatureFee+a.chain.PriorityFee) * a.chain.WithdrawReserveMultiplier
	return uint64(fee) + rent, nil
}

// WithdrawNative sweeps the campaign wallet's lamport balance to the given
// address, keeping the fee and rent reserve. It refuses to send when the
// balance does not cover the reserve.
func (a *Adapter) WithdrawNative(ctx context.Context, creds distributor.Credentials, to string) (*distributor.Withdrawal, error) {
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("invalid withdrawal address %q: %w", to, err)
	}
	key, owner, err := parseKey(creds)
	if err != nil {
		return nil, err
	}

	balance, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*rpc.GetBalanceResult, error) {
			return a.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}

	reserve, err := a.lamportReserve(ctx)
	if err != nil {
		return nil, err
	}
	if balance.Value <= reserve {
		return nil, fmt.Errorf("%w: balance %d lamports, reserve %d lamports",
			distributor.ErrReserveNotCovered, balance.Value, reserve)
	}

	amount := balance.Value - reserve
	sig, err := a.sendAndConfirm(ctx, key, owner, []solana.Instruction{
		system.NewTransferInstruction(amount, owner, dest).Build(),
	})
	if err != nil {
		return nil, fmt.Errorf("withdraw native: %w", err)
	}

	a.logger.Info("native balance withdrawn",
		zap.String("to", to),
		zap.String("tx_hash", sig.String()))

	shift := -int32(a.chain.NativeDecimals)
	return &distributor.Withdrawal{
		TransactionHash: sig.String(),
		Amount:          decimal.NewFromUint64(amount).Shift(shift),
		Reserved:        decimal.NewFromUint64(reserve).Shift(shift),
	}, nil
}

// WithdrawToken sweeps the wallet's full token balance to the destination's
// associated account, creating it idempotently in the same transaction. The
// native balance must still cover the fee reserve before anything is sent.
func (a *Adapter) WithdrawToken(ctx context.Context, creds distributor.Credentials, tok distributor.Token, to string) (*distributor.Withdrawal, error) {
	if tok.Native() {
		return nil, fmt.Errorf("token withdrawal requires a token mint")
	}
	destOwner, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("invalid withdrawal address %q: %w", to, err)
	}
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint %q: %w", tok.Address, err)
	}
	key, owner, err := parseKey(creds)
	if err != nil {
		return nil, err
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(destOwner, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	policy := retry.PolicyFor(retry.DomainChainRPC)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	tokenBalance, err := retry.DoValue(ctx, a.retrier, policy, classifier,
		func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
			return a.client.GetTokenAccountBalance(ctx, sourceATA, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}
	amount, err := strconv.ParseUint(tokenBalance.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token balance %q: %w", tokenBalance.Value.Amount, err)
	}
	if amount == 0 {
		return nil, fmt.Errorf("no token balance to withdraw")
	}

	nativeBalance, err := retry.DoValue(ctx, a.retrier, policy, classifier,
		func(ctx context.Context) (*rpc.GetBalanceResult, error) {
			return a.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}
	reserve, err := a.lamportReserve(ctx)
	if err != nil {
		return nil, err
	}
	if nativeBalance.Value < reserve {
		return nil, fmt.Errorf("%w: balance %d lamports, reserve %d lamports",
			distributor.ErrReserveNotCovered, nativeBalance.Value, reserve)
	}

	missing, err := a.missingAccounts(ctx, []plannedTransfer{{address: to, owner: destOwner, dest: destATA}})
	if err != nil {
		return nil, err
	}
	var payload []solana.Instruction
	if len(missing) > 0 {
		payload = append(payload, createATAIdempotent(owner, destOwner, destATA, mint))
	}
	payload = append(payload, token.NewTransferInstruction(amount, sourceATA, destATA, owner, nil).Build())

	sig, err := a.sendAndConfirm(ctx, key, owner, payload)
	if err != nil {
		return nil, fmt.Errorf("withdraw token: %w", err)
	}

	a.logger.Info("token balance withdrawn",
		zap.String("token", tok.Address),
		zap.String("to", to),
		zap.String("tx_hash", sig.String()))

	return &distributor.Withdrawal{
		TransactionHash: sig.String(),
		Amount:          decimal.NewFromUint64(amount).Shift(-int32(tokenBalance.Value.Decimals)),
		Reserved:        decimal.NewFromUint64(reserve).Shift(-int32(a.chain.NativeDecimals)),
	}, nil
}
