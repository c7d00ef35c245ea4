// Package evm implements the contract-mediated batch transfer adapter for
// account-model chains. A per-campaign distributor contract receives one
// transaction per batch and loops the recipients internally.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/confirm"
	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/fees"
	"github.com/multisender-app/multisender/internal/retry"
)

var (
	ErrMissingContract   = errors.New("distribution contract address not set")
	ErrInvalidPrivateKey = errors.New("invalid private key material")
)

const nativeTransferGas = 21_000

// Adapter is the account-model implementation of distributor.Transferrer.
type Adapter struct {
	client  *ethclient.Client
	chain   chains.Config
	chainID *big.Int
	logger  *zap.Logger
	retrier *retry.Executor
	tracker *confirm.Tracker
	distABI abi.ABI
	erc20   abi.ABI
}

// NewAdapter dials the chain's RPC endpoint, retrying transient connection
// failures, and verifies the endpoint's chain ID is reachable.
func NewAdapter(ctx context.Context, chain chains.Config, logger *zap.Logger, retrier *retry.Executor, tracker *confirm.Tracker) (*Adapter, error) {
	distABI, err := abi.JSON(strings.NewReader(distributorABI))
	if err != nil {
		return nil, fmt.Errorf("parse distributor ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 ABI: %w", err)
	}

	a := &Adapter{
		chain:   chain,
		logger:  logger.Named("evm").With(zap.String("chain", chain.ID)),
		retrier: retrier,
		tracker: tracker,
		distABI: distABI,
		erc20:   erc20,
	}

	dial := func() error {
		client, dialErr := ethclient.DialContext(ctx, chain.RPCURL)
		if dialErr != nil {
			return dialErr
		}
		chainID, idErr := client.ChainID(ctx)
		if idErr != nil {
			client.Close()
			return idErr
		}
		a.client = client
		a.chainID = chainID
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("connect to %s rpc: %w", chain.ID, err)
	}

	return a, nil
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// feeData is one read of the chain's fee market.
type feeData struct {
	baseFee   *big.Int
	gasFeeCap *big.Int
	gasTipCap *big.Int
	gasPrice  *big.Int
	dynamic   bool
	degraded  bool
}

// effective returns the price used for cost arithmetic.
func (f *feeData) effective() *big.Int {
	if f.dynamic {
		return f.gasFeeCap
	}
	return f.gasPrice
}

// readFeeData reads live fee-market parameters, preferring the EIP-1559
// surface and degrading to the configured static gas price when the endpoint
// cannot answer.
func (a *Adapter) readFeeData(ctx context.Context) *feeData {
	header, headerErr := a.client.HeaderByNumber(ctx, nil)
	if headerErr == nil && header.BaseFee != nil {
		tip, tipErr := a.client.SuggestGasTipCap(ctx)
		if tipErr == nil {
			// Fee cap leaves headroom for two base-fee doublings.
			cap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
			cap.Add(cap, tip)
			return &feeData{baseFee: header.BaseFee, gasFeeCap: cap, gasTipCap: tip, dynamic: true}
		}
	}

	gasPrice, priceErr := a.client.SuggestGasPrice(ctx)
	if priceErr == nil {
		return &feeData{gasPrice: gasPrice}
	}

	a.logger.Warn("live gas price unavailable, using static fallback",
		zap.Uint64("fallback_wei", a.chain.FallbackGasPriceWei),
		zap.Error(priceErr))
	return &feeData{gasPrice: new(big.Int).SetUint64(a.chain.FallbackGasPriceWei), degraded: true}
}

// FeeSnapshot exposes the current fee-market read for estimation.
func (a *Adapter) FeeSnapshot(ctx context.Context) fees.FeeData {
	data := a.readFeeData(ctx)
	return fees.FeeData{
		Dynamic:  data.dynamic,
		BaseFee:  data.baseFee,
		Tip:      data.gasTipCap,
		GasPrice: data.effective(),
		Degraded: data.degraded,
	}
}

// parseKey decodes hex private key material and derives the wallet address.
func parseKey(creds distributor.Credentials) (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// submit signs and broadcasts one transaction, retrying transient RPC
// failures, and returns the signed transaction.
func (a *Adapter) submit(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, to *common.Address, value *big.Int, gasLimit uint64, fees *feeData, data []byte) (*types.Transaction, error) {
	policy := retry.PolicyFor(retry.DomainChainRPC)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	nonce, err := retry.DoValue(ctx, a.retrier, policy, classifier, func(ctx context.Context) (uint64, error) {
		return a.client.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	var inner types.TxData
	if fees.dynamic {
		inner = &types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: fees.gasTipCap,
			GasFeeCap: fees.gasFeeCap,
			Gas:       gasLimit,
			To:        to,
			Value:     value,
			Data:      data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.gasPrice,
			Gas:      gasLimit,
			To:       to,
			Value:    value,
			Data:     data,
		}
	}

	signed, err := types.SignNewTx(key, types.LatestSignerForChainID(a.chainID), inner)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	err = a.retrier.Do(ctx, policy, classifier, func(ctx context.Context) error {
		return a.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("transaction submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("gas_limit", gasLimit))
	return signed, nil
}

// receiptStatus builds a confirmation status function that captures the
// receipt once the transaction lands.
func (a *Adapter) receiptStatus(hash common.Hash, out **types.Receipt) confirm.StatusFunc {
	return func(ctx context.Context) (confirm.State, error) {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return confirm.StatePending, nil
			}
			return confirm.StatePending, err
		}
		*out = receipt
		if receipt.Status == types.ReceiptStatusSuccessful {
			return confirm.StateConfirmed, nil
		}
		return confirm.StateFailed, nil
	}
}

// submitAndConfirm runs one transaction end to end and returns its receipt.
func (a *Adapter) submitAndConfirm(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, to *common.Address, value *big.Int, gasLimit uint64, fees *feeData, data []byte) (*types.Receipt, common.Hash, error) {
	signed, err := a.submit(ctx, key, from, to, value, gasLimit, fees, data)
	if err != nil {
		return nil, common.Hash{}, err
	}

	var receipt *types.Receipt
	res, err := a.tracker.Wait(ctx, a.chain, a.receiptStatus(signed.Hash(), &receipt))
	if err != nil {
		return nil, signed.Hash(), err
	}
	switch res.State {
	case confirm.StateConfirmed:
		return receipt, signed.Hash(), nil
	case confirm.StateFailed:
		return receipt, signed.Hash(), fmt.Errorf("execution reverted: transaction %s failed on-chain", signed.Hash().Hex())
	default:
		return nil, signed.Hash(), fmt.Errorf("confirmation timeout for transaction %s", signed.Hash().Hex())
	}
}

// Deploy publishes a fresh distributor contract for a campaign and returns
// its address. Callers must route this through the campaign idempotency
// guard; the adapter itself performs no duplicate suppression.
func (a *Adapter) Deploy(ctx context.Context, creds distributor.Credentials) (contractAddress, txHash string, err error) {
	key, from, err := parseKey(creds)
	if err != nil {
		return "", "", err
	}

	fees := a.readFeeData(ctx)
	receipt, hash, err := a.submitAndConfirm(ctx, key, from, nil, nil, a.chain.GasDeployEstimate, fees, common.FromHex(distributorBin))
	if err != nil {
		return "", hash.Hex(), fmt.Errorf("deploy distributor contract: %w", err)
	}

	a.logger.Info("distributor contract deployed",
		zap.String("contract", receipt.ContractAddress.Hex()),
		zap.String("tx_hash", hash.Hex()))
	return receipt.ContractAddress.Hex(), hash.Hex(), nil
}

// CheckApproval reports whether the campaign wallet has granted the
// distributor contract an allowance of at least required.
func (a *Adapter) CheckApproval(ctx context.Context, token, owner, spender common.Address, required *big.Int) (bool, error) {
	data, err := a.erc20.Pack("allowance", owner, spender)
	if err != nil {
		return false, fmt.Errorf("pack allowance call: %w", err)
	}

	ret, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) ([]byte, error) {
			return a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		})
	if err != nil {
		return false, fmt.Errorf("read allowance: %w", err)
	}

	out, err := a.erc20.Unpack("allowance", ret)
	if err != nil {
		return false, fmt.Errorf("decode allowance: %w", err)
	}
	allowance := out[0].(*big.Int)
	return allowance.Cmp(required) >= 0, nil
}

// ApproveTokens grants the distributor contract an allowance for amount.
func (a *Adapter) ApproveTokens(ctx context.Context, creds distributor.Credentials, token, spender common.Address, amount *big.Int) (string, error) {
	key, from, err := parseKey(creds)
	if err != nil {
		return "", err
	}

	data, err := a.erc20.Pack("approve", spender, amount)
	if err != nil {
		return "", fmt.Errorf("pack approve call: %w", err)
	}

	fees := a.readFeeData(ctx)
	_, hash, err := a.submitAndConfirm(ctx, key, from, &token, nil, a.chain.GasTxOverhead, fees, data)
	if err != nil {
		return hash.Hex(), fmt.Errorf("approve tokens: %w", err)
	}
	return hash.Hex(), nil
}

// tokenDecimals reads the ERC-20 decimals for base-unit conversion.
func (a *Adapter) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := a.erc20.Pack("decimals")
	if err != nil {
		return 0, err
	}
	ret, err := retry.DoValue(ctx, a.retrier, retry.PolicyFor(retry.DomainChainRPC), retry.ClassifierFor(retry.DomainChainRPC),
		func(ctx context.Context) ([]byte, error) {
			return a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		})
	if err != nil {
		return 0, fmt.Errorf("read token decimals: %w", err)
	}
	out, err := a.erc20.Unpack("decimals", ret)
	if err != nil {
		return 0, fmt.Errorf("decode token decimals: %w", err)
	}
	return out[0].(uint8), nil
}

// TransferBatch pays one batch through the distributor contract. Recipients
// with malformed addresses fail individually; the rest share the fate of the
// single batch transaction.
func (a *Adapter) TransferBatch(ctx context.Context, req distributor.Request) (*distributor.Outcome, error) {
	if len(req.Recipients) == 0 {
		return nil, distributor.ErrEmptyBatch
	}
	if req.ContractAddress == "" {
		return nil, ErrMissingContract
	}

	key, from, err := parseKey(req.Credentials)
	if err != nil {
		return nil, err
	}
	contract := common.HexToAddress(req.ContractAddress)

	outcome := &distributor.Outcome{}

	// Address validation fails fast and locally; chain preconditions are the
	// only thing left to go wrong for the rest of the batch.
	valid := make([]distributor.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if !common.IsHexAddress(r.Address) {
			outcome.Failures = append(outcome.Failures, distributor.Failure{
				ID:      r.ID,
				Address: r.Address,
				Reason:  "invalid address: not a hex-encoded account",
			})
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		outcome.Finalize()
		return outcome, nil
	}

	decimals := a.chain.NativeDecimals
	if !req.Token.Native() {
		decimals, err = a.tokenDecimals(ctx, common.HexToAddress(req.Token.Address))
		if err != nil {
			return nil, err
		}
	}

	addresses := make([]common.Address, len(valid))
	amounts := make([]*big.Int, len(valid))
	total := new(big.Int)
	for i, r := range valid {
		addresses[i] = common.HexToAddress(r.Address)
		amounts[i] = r.Amount.Shift(int32(decimals)).BigInt()
		total.Add(total, amounts[i])
	}

	fees := a.readFeeData(ctx)
	outcome.DegradedFeeData = fees.degraded

	var (
		data  []byte
		value *big.Int
	)
	if req.Token.Native() {
		data, err = a.distABI.Pack("batchTransferNative", addresses, amounts)
		value = total
	} else {
		token := common.HexToAddress(req.Token.Address)
		approved, approveErr := a.CheckApproval(ctx, token, from, contract, total)
		if approveErr != nil {
			return nil, approveErr
		}
		if !approved {
			if _, approveErr = a.ApproveTokens(ctx, req.Credentials, token, contract, total); approveErr != nil {
				return nil, approveErr
			}
		}
		data, err = a.distABI.Pack("batchTransferToken", token, addresses, amounts)
	}
	if err != nil {
		return nil, fmt.Errorf("pack batch call: %w", err)
	}

	gasLimit := a.chain.GasTxOverhead + a.chain.GasPerTransfer*uint64(len(valid))
	receipt, hash, err := a.submitAndConfirm(ctx, key, from, &contract, value, gasLimit, fees, data)
	recordSubmission(outcome, hash, err)

	if err != nil {
		for _, r := range valid {
			outcome.Failures = append(outcome.Failures, distributor.Failure{ID: r.ID, Address: r.Address, Reason: err.Error()})
		}
		outcome.Finalize()
		return outcome, nil
	}

	for _, r := range valid {
		outcome.Successes = append(outcome.Successes, r.ID)
	}
	outcome.FeeConsumed = receiptFee(receipt, fees, a.chain.NativeDecimals)
	outcome.Finalize()

	a.logger.Info("batch transfer confirmed",
		zap.String("tx_hash", hash.Hex()),
		zap.Int("recipients", len(valid)),
		zap.String("fee", outcome.FeeConsumed.String()))
	return outcome, nil
}

// recordSubmission appends the attempted transaction to the outcome. Nonce,
// signing and broadcast failures happen before a hash exists and leave
// nothing to record; persisting a zero hash would collide with the audit
// log's uniqueness constraint on the next failure.
func recordSubmission(outcome *distributor.Outcome, hash common.Hash, err error) {
	if hash == (common.Hash{}) {
		return
	}
	outcome.Submissions = append(outcome.Submissions, distributor.Submission{
		Hash:   hash.Hex(),
		Failed: err != nil,
	})
}

// receiptFee converts the gas actually burned into native human units.
func receiptFee(receipt *types.Receipt, fees *feeData, nativeDecimals uint8) decimal.Decimal {
	price := fees.effective()
	if receipt.EffectiveGasPrice != nil {
		price = receipt.EffectiveGasPrice
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	return decimal.NewFromBigInt(wei, 0).Shift(-int32(nativeDecimals))
}
