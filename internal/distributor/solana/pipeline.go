package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	token "github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/retry"
)

// plannedTransfer is one recipient that survived local derivation.
type plannedTransfer struct {
	id      uint
	address string
	owner   solana.PublicKey
	dest    solana.PublicKey
	amount  uint64
}

// createATAIdempotent builds the associated-token-account program's
// create_idempotent instruction (discriminator 1): an already existing
// account is a no-op instead of failing the whole transaction, so recipients
// who hold an account cannot sink the rest of their creation sub-batch.
func createATAIdempotent(payer, owner, ata, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		[]*solana.AccountMeta{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.TokenProgramID),
			solana.Meta(solana.SysVarRentPubkey),
		},
		[]byte{1},
	)
}

// TransferBatch runs the four-stage pipeline: derive destination accounts
// locally, probe which are missing in one query, create the missing ones in
// sub-batches, then transfer in batch-sized transactions. Native transfers
// skip the token-account stages entirely.
func (a *Adapter) TransferBatch(ctx context.Context, req distributor.Request) (*distributor.Outcome, error) {
	if len(req.Recipients) == 0 {
		return nil, distributor.ErrEmptyBatch
	}

	key, owner, err := parseKey(req.Credentials)
	if err != nil {
		return nil, err
	}

	outcome := &distributor.Outcome{}

	var (
		mint      solana.PublicKey
		sourceATA solana.PublicKey
		decimals  = a.chain.NativeDecimals
	)
	if !req.Token.Native() {
		mint, err = solana.PublicKeyFromBase58(req.Token.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint %q: %w", req.Token.Address, err)
		}
		decimals, err = a.mintDecimals(ctx, mint)
		if err != nil {
			return nil, err
		}
		sourceATA, _, err = solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return nil, fmt.Errorf("derive source token account: %w", err)
		}
	}

	// Stage 1: local derivation. Recipients whose destination cannot be
	// computed fail here without spending a network call on them.
	plan := make([]plannedTransfer, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		pub, parseErr := solana.PublicKeyFromBase58(r.Address)
		if parseErr != nil {
			outcome.Failures = append(outcome.Failures, distributor.Failure{
				ID:      r.ID,
				Address: r.Address,
				Reason:  "invalid address: not a base58-encoded public key",
			})
			continue
		}

		baseUnits := r.Amount.Shift(int32(decimals))
		if !baseUnits.IsInteger() {
			outcome.Failures = append(outcome.Failures, distributor.Failure{
				ID:      r.ID,
				Address: r.Address,
				Reason:  fmt.Sprintf("amount precision exceeds the asset's %d decimals", decimals),
			})
			continue
		}

		dest := pub
		if !req.Token.Native() {
			ata, _, deriveErr := solana.FindAssociatedTokenAddress(pub, mint)
			if deriveErr != nil {
				outcome.Failures = append(outcome.Failures, distributor.Failure{
					ID:      r.ID,
					Address: r.Address,
					Reason:  "cannot derive token account: owner is off-curve",
				})
				continue
			}
			dest = ata
		}

		plan = append(plan, plannedTransfer{
			id:      r.ID,
			address: r.Address,
			owner:   pub,
			dest:    dest,
			amount:  uint64(baseUnits.IntPart()),
		})
	}

	if len(plan) == 0 {
		outcome.Finalize()
		return outcome, nil
	}

	txCount := 0

	// Stages 2–3: probe and create missing token accounts.
	if !req.Token.Native() {
		plan, txCount, err = a.ensureTokenAccounts(ctx, key, owner, mint, plan, outcome)
		if err != nil {
			return nil, err
		}
	}

	// Stage 4: batched transfers with pacing between batches.
	batchSize := a.chain.MaxBatchSize
	for start := 0; start < len(plan); start += batchSize {
		end := start + batchSize
		if end > len(plan) {
			end = len(plan)
		}
		batch := plan[start:end]

		if start > 0 {
			if err := a.sleep(ctx, interBatchDelay); err != nil {
				return nil, err
			}
		}

		payload := make([]solana.Instruction, 0, len(batch))
		for _, p := range batch {
			if req.Token.Native() {
				payload = append(payload, system.NewTransferInstruction(p.amount, owner, p.dest).Build())
			} else {
				payload = append(payload, token.NewTransferInstruction(p.amount, sourceATA, p.dest, owner, nil).Build())
			}
		}

		sig, sendErr := a.sendAndConfirm(ctx, key, owner, payload)
		if !sig.IsZero() {
			outcome.Submissions = append(outcome.Submissions, distributor.Submission{
				Hash:   sig.String(),
				Failed: sendErr != nil,
			})
			txCount++
		}
		if sendErr != nil {
			// Only this batch's recipients fail; earlier and later batches
			// are unaffected.
			for _, p := range batch {
				outcome.Failures = append(outcome.Failures, distributor.Failure{
					ID:      p.id,
					Address: p.address,
					Reason:  sendErr.Error(),
				})
			}
			a.logger.Warn("transfer batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(sendErr))
			continue
		}

		for _, p := range batch {
			outcome.Successes = append(outcome.Successes, p.id)
		}
	}

	outcome.FeeConsumed = a.lamportFee(txCount)
	outcome.Finalize()
	return outcome, nil
}

// ensureTokenAccounts probes which planned destinations exist and creates
// the missing ones in sub-batches, each confirmed before the next. Plans
// whose account creation fails are removed and recorded as failures.
func (a *Adapter) ensureTokenAccounts(ctx context.Context, key solana.PrivateKey, payer solana.PublicKey, mint solana.PublicKey, plan []plannedTransfer, outcome *distributor.Outcome) ([]plannedTransfer, int, error) {
	missing, err := a.missingAccounts(ctx, plan)
	if err != nil {
		return nil, 0, err
	}
	if len(missing) == 0 {
		return plan, 0, nil
	}

	a.logger.Info("creating missing token accounts",
		zap.Int("missing", len(missing)),
		zap.Int("recipients", len(plan)))

	failed := make(map[uint]string)
	txCount := 0
	subBatch := a.chain.CreateSubBatchSize
	for start := 0; start < len(missing); start += subBatch {
		end := start + subBatch
		if end > len(missing) {
			end = len(missing)
		}
		group := missing[start:end]

		payload := make([]solana.Instruction, 0, len(group))
		for _, p := range group {
			// Idempotent create: an account that appeared since the probe
			// (another sender, a previous partial run) is a no-op.
			payload = append(payload, createATAIdempotent(payer, p.owner, p.dest, mint))
		}

		sig, sendErr := a.sendAndConfirm(ctx, key, payer, payload)
		if !sig.IsZero() {
			outcome.Submissions = append(outcome.Submissions, distributor.Submission{
				Hash:   sig.String(),
				Failed: sendErr != nil,
			})
			txCount++
		}
		if sendErr != nil {
			for _, p := range group {
				failed[p.id] = fmt.Sprintf("token account creation failed: %v", sendErr)
			}
		}
	}

	if len(failed) == 0 {
		return plan, txCount, nil
	}

	kept := plan[:0]
	for _, p := range plan {
		if reason, ok := failed[p.id]; ok {
			outcome.Failures = append(outcome.Failures, distributor.Failure{ID: p.id, Address: p.address, Reason: reason})
			continue
		}
		kept = append(kept, p)
	}
	return kept, txCount, nil
}

// missingAccounts returns the planned transfers whose destination accounts
// do not exist yet, using chunked multi-account queries.
func (a *Adapter) missingAccounts(ctx context.Context, plan []plannedTransfer) ([]plannedTransfer, error) {
	policy := retry.PolicyFor(retry.DomainChainRPC)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	var missing []plannedTransfer
	for start := 0; start < len(plan); start += existenceProbeChunk {
		end := start + existenceProbeChunk
		if end > len(plan) {
			end = len(plan)
		}
		chunk := plan[start:end]

		keys := make([]solana.PublicKey, len(chunk))
		for i, p := range chunk {
			keys[i] = p.dest
		}

		result, err := retry.DoValue(ctx, a.retrier, policy, classifier,
			func(ctx context.Context) (*rpc.GetMultipleAccountsResult, error) {
				return a.client.GetMultipleAccounts(ctx, keys...)
			})
		if err != nil {
			return nil, fmt.Errorf("probe token accounts: %w", err)
		}

		for i := range chunk {
			if i >= len(result.Value) || result.Value[i] == nil {
				missing = append(missing, chunk[i])
			}
		}
	}
	return missing, nil
}

// lamportFee converts a transaction count into the estimated fee in SOL.
func (a *Adapter) lamportFee(txCount int) decimal.Decimal {
	lamports := uint64(txCount) * (a.chain.SignatureFee + a.chain.PriorityFee)
	return decimal.NewFromUint64(lamports).Shift(-int32(a.chain.NativeDecimals))
}
