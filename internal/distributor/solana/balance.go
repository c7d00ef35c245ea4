package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

// NativeBalance reads an address's lamport balance in SOL.
func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid address %q: %w", address, err)
	}

	balance, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*rpc.GetBalanceResult, error) {
			return a.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return decimal.NewFromUint64(balance.Value).Shift(-int32(a.chain.NativeDecimals)), nil
}

// TokenBalance reads an address's token balance in human units. A missing
// token account is a zero balance, not an error.
func (a *Adapter) TokenBalance(ctx context.Context, tok distributor.Token, address string) (decimal.Decimal, error) {
	if tok.Native() {
		return a.NativeBalance(ctx, address)
	}
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid address %q: %w", address, err)
	}
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token mint %q: %w", tok.Address, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive token account: %w", err)
	}

	missing, err := a.missingAccounts(ctx, []plannedTransfer{{address: address, owner: owner, dest: ata}})
	if err != nil {
		return decimal.Zero, err
	}
	if len(missing) > 0 {
		return decimal.Zero, nil
	}

	balance, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
			return a.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read token balance: %w", err)
	}
	amount, err := decimal.NewFromString(balance.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode token balance %q: %w", balance.Value.Amount, err)
	}
	return amount.Shift(-int32(balance.Value.Decimals)), nil
}
