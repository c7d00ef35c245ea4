package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

// nativeReserve computes the balance withheld from a sweep: the estimated
// fee of the sweep transaction scaled by the chain's reserve multiplier.
func (a *Adapter) nativeReserve(gasLimit uint64, fees *feeData) *big.Int {
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), fees.effective())
	multiplied := new(big.Float).Mul(new(big.Float).SetInt(fee), big.NewFloat(a.chain.WithdrawReserveMultiplier))
	reserve, _ := multiplied.Int(nil)
	return reserve
}

// WithdrawNative sweeps the campaign wallet's native balance to the given
// address, keeping the fee reserve. It refuses to send when the balance does
// not cover the reserve.
func (a *Adapter) WithdrawNative(ctx context.Context, creds distributor.Credentials, to string) (*distributor.Withdrawal, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid withdrawal address: %q", to)
	}
	key, from, err := parseKey(creds)
	if err != nil {
		return nil, err
	}

	balance, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) (*big.Int, error) {
			return a.client.BalanceAt(ctx, from, nil)
		})
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}

	fees := a.readFeeData(ctx)
	reserve := a.nativeReserve(nativeTransferGas, fees)
	if balance.Cmp(reserve) <= 0 {
		return nil, fmt.Errorf("%w: balance %s wei, reserve %s wei",
			distributor.ErrReserveNotCovered, balance, reserve)
	}

	amount := new(big.Int).Sub(balance, reserve)
	dest := common.HexToAddress(to)
	_, hash, err := a.submitAndConfirm(ctx, key, from, &dest, amount, nativeTransferGas, fees, nil)
	if err != nil {
		return nil, fmt.Errorf("withdraw native: %w", err)
	}

	a.logger.Info("native balance withdrawn",
		zap.String("to", to),
		zap.String("tx_hash", hash.Hex()))

	shift := -int32(a.chain.NativeDecimals)
	return &distributor.Withdrawal{
		TransactionHash: hash.Hex(),
		Amount:          decimal.NewFromBigInt(amount, 0).Shift(shift),
		Reserved:        decimal.NewFromBigInt(reserve, 0).Shift(shift),
	}, nil
}

// WithdrawToken sweeps the wallet's full balance of an ERC-20 token. The
// native balance must still cover the transfer fee reserve; otherwise the
// sweep is refused without submitting anything.
func (a *Adapter) WithdrawToken(ctx context.Context, creds distributor.Credentials, token distributor.Token, to string) (*distributor.Withdrawal, error) {
	if token.Native() {
		return nil, fmt.Errorf("token withdrawal requires a token address")
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid withdrawal address: %q", to)
	}
	key, from, err := parseKey(creds)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token.Address)

	policy := retry.PolicyFor(retry.DomainChainRPC)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	balanceData, err := a.erc20.Pack("balanceOf", from)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}
	ret, err := retry.DoValue(ctx, a.retrier, policy, classifier, func(ctx context.Context) ([]byte, error) {
		return a.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: balanceData}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}
	out, err := a.erc20.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fmt.Errorf("decode token balance: %w", err)
	}
	tokenBalance := out[0].(*big.Int)
	if tokenBalance.Sign() == 0 {
		return nil, fmt.Errorf("no token balance to withdraw")
	}

	fees := a.readFeeData(ctx)
	gasLimit := a.chain.GasTxOverhead
	reserve := a.nativeReserve(gasLimit, fees)

	nativeBalance, err := retry.DoValue(ctx, a.retrier, policy, classifier, func(ctx context.Context) (*big.Int, error) {
		return a.client.BalanceAt(ctx, from, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}
	if nativeBalance.Cmp(reserve) < 0 {
		return nil, fmt.Errorf("%w: balance %s wei, reserve %s wei",
			distributor.ErrReserveNotCovered, nativeBalance, reserve)
	}

	transferData, err := a.erc20.Pack("transfer", common.HexToAddress(to), tokenBalance)
	if err != nil {
		return nil, fmt.Errorf("pack transfer call: %w", err)
	}
	_, hash, err := a.submitAndConfirm(ctx, key, from, &tokenAddr, nil, gasLimit, fees, transferData)
	if err != nil {
		return nil, fmt.Errorf("withdraw token: %w", err)
	}

	decimals, err := a.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		// The sweep already landed; report base units rather than failing.
		decimals = 0
	}

	a.logger.Info("token balance withdrawn",
		zap.String("token", token.Address),
		zap.String("to", to),
		zap.String("tx_hash", hash.Hex()))

	return &distributor.Withdrawal{
		TransactionHash: hash.Hex(),
		Amount:          decimal.NewFromBigInt(tokenBalance, 0).Shift(-int32(decimals)),
		Reserved:        decimal.NewFromBigInt(reserve, 0).Shift(-int32(a.chain.NativeDecimals)),
	}, nil
}
