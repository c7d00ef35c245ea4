package campaign

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/storage/models"
)

// WithdrawRemainingNative sweeps the campaign wallet's unused native balance
// to the given address. Refused while the batch loop is sending.
func (e *Engine) WithdrawRemainingNative(ctx context.Context, campaignID, to, passphrase string) (*distributor.Withdrawal, error) {
	return e.withdraw(ctx, campaignID, to, passphrase, true)
}

// WithdrawRemainingToken sweeps the campaign wallet's unused token balance.
func (e *Engine) WithdrawRemainingToken(ctx context.Context, campaignID, to, passphrase string) (*distributor.Withdrawal, error) {
	return e.withdraw(ctx, campaignID, to, passphrase, false)
}

func (e *Engine) withdraw(ctx context.Context, campaignID, to, passphrase string, native bool) (*distributor.Withdrawal, error) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CampaignSending {
		return nil, fmt.Errorf("%w: withdraw while %s", ErrInvalidTransition, c.Status)
	}

	creds, err := e.credentials(c, passphrase)
	if err != nil {
		return nil, err
	}
	transferrer, err := e.transferrerFor(c.ChainID)
	if err != nil {
		return nil, err
	}

	var w *distributor.Withdrawal
	if native {
		w, err = transferrer.WithdrawNative(ctx, creds, to)
	} else {
		if c.TokenAddress == "" {
			return nil, fmt.Errorf("campaign %s distributes the native asset; use the native withdrawal", campaignID)
		}
		w, err = transferrer.WithdrawToken(ctx, creds, distributor.Token{ChainID: c.ChainID, Address: c.TokenAddress}, to)
	}
	if err != nil {
		return nil, err
	}

	record := &models.TransactionRecord{
		CampaignID:  campaignID,
		TxHash:      w.TransactionHash,
		Type:        models.TxWithdrawal,
		FromAddress: c.WalletAddress,
		ToAddress:   to,
		FeeConsumed: w.Reserved.String(),
		Status:      models.TxConfirmed,
	}
	if err := e.store.Transactions().Append(ctx, record); err != nil {
		return nil, err
	}

	e.logger.Info("remaining funds withdrawn",
		zap.String("campaign_id", campaignID),
		zap.String("to", to),
		zap.Bool("native", native),
		zap.String("amount", w.Amount.String()))
	return w, nil
}
