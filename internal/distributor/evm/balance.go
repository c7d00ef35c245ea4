package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

// NativeBalance reads an address's native balance in human units.
func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address: %q", address)
	}
	account := common.HexToAddress(address)

	balance, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*big.Int, error) {
			return a.client.BalanceAt(ctx, account, nil)
		})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return decimal.NewFromBigInt(balance, 0).Shift(-int32(a.chain.NativeDecimals)), nil
}

// TokenBalance reads an address's ERC-20 balance in human units.
func (a *Adapter) TokenBalance(ctx context.Context, token distributor.Token, address string) (decimal.Decimal, error) {
	if token.Native() {
		return a.NativeBalance(ctx, address)
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address: %q", address)
	}
	tokenAddr := common.HexToAddress(token.Address)
	account := common.HexToAddress(address)

	data, err := a.erc20.Pack("balanceOf", account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf call: %w", err)
	}
	ret, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) ([]byte, error) {
			return a.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
		})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read token balance: %w", err)
	}
	out, err := a.erc20.Unpack("balanceOf", ret)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode token balance: %w", err)
	}

	decimals, err := a.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), 0).Shift(-int32(decimals)), nil
}
