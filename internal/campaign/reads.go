package campaign

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/export"
	"github.com/multisender-app/multisender/internal/fees"
	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/models"
)

// Details is a campaign read with its live recipient counts. Pending is
// derived so completed + failed + pending == total always holds.
type Details struct {
	Campaign  *models.Campaign
	Pending   int
	Completed int
	Failed    int
}

// GetCampaignDetails returns the campaign and its recipient counts.
func (e *Engine) GetCampaignDetails(ctx context.Context, campaignID string) (*Details, error) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.Recipients().CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Details{
		Campaign:  c,
		Pending:   counts[models.RecipientPending],
		Completed: counts[models.RecipientSuccess],
		Failed:    counts[models.RecipientFailed],
	}, nil
}

// ListCampaigns pages through campaigns, newest first.
func (e *Engine) ListCampaigns(ctx context.Context, limit, offset int) ([]*models.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.Campaigns().List(ctx, limit, offset)
}

// GetRecipients lists the campaign's recipients in insertion order.
func (e *Engine) GetRecipients(ctx context.Context, campaignID string) ([]*models.Recipient, error) {
	return e.store.Recipients().ListByCampaign(ctx, campaignID)
}

// GetTransactions lists the campaign's transaction records.
func (e *Engine) GetTransactions(ctx context.Context, campaignID string, opts storage.ListOptions) ([]*models.TransactionRecord, error) {
	return e.store.Transactions().ListByCampaign(ctx, campaignID, opts)
}

// ExportTransactions writes the campaign's transaction records to a file and
// returns its path.
func (e *Engine) ExportTransactions(ctx context.Context, campaignID string, opts export.Options) (string, error) {
	records, err := e.store.Transactions().ListByCampaign(ctx, campaignID, storage.ListOptions{})
	if err != nil {
		return "", err
	}
	return e.exporter.ExportTransactions(campaignID, records, opts)
}

// ExportRecipients writes the campaign's recipient outcomes to a file and
// returns its path.
func (e *Engine) ExportRecipients(ctx context.Context, campaignID string, opts export.Options) (string, error) {
	recipients, err := e.store.Recipients().ListByCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	return e.exporter.ExportRecipients(campaignID, recipients, opts)
}

// Funding compares the campaign wallet's balances against what the
// distribution needs.
type Funding struct {
	// Required and Available are in the chain's native asset. Required
	// covers estimated fees, plus the distribution amount for native-asset
	// campaigns.
	Required  decimal.Decimal
	Available decimal.Decimal

	// TokenRequired and TokenAvailable are set for token campaigns.
	TokenRequired  decimal.Decimal
	TokenAvailable decimal.Decimal

	Funded bool
}

// FundingStatus reports whether the campaign wallet holds enough to run the
// remaining distribution. It needs a balance reader wired for the chain.
func (e *Engine) FundingStatus(ctx context.Context, campaignID string) (*Funding, error) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	reader, ok := e.balances[c.ChainID]
	if !ok {
		return nil, fmt.Errorf("no balance reader registered for chain %s", c.ChainID)
	}

	totalAmount, err := decimal.NewFromString(c.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("campaign %s has malformed total amount %q: %w", campaignID, c.TotalAmount, err)
	}

	estimate, err := e.estimator.Estimate(ctx, fees.Request{
		ChainID:            c.ChainID,
		TokenAddress:       c.TokenAddress,
		Recipients:         c.TotalRecipients,
		PreferredBatchSize: c.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	native, err := reader.NativeBalance(ctx, c.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}

	funding := &Funding{
		Required:  estimate.TotalFee,
		Available: native,
	}
	if c.TokenAddress == "" {
		funding.Required = funding.Required.Add(totalAmount)
		funding.Funded = native.GreaterThanOrEqual(funding.Required)
		return funding, nil
	}

	token, err := reader.TokenBalance(ctx, distributor.Token{ChainID: c.ChainID, Address: c.TokenAddress}, c.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}
	funding.TokenRequired = totalAmount
	funding.TokenAvailable = token
	funding.Funded = native.GreaterThanOrEqual(funding.Required) &&
		token.GreaterThanOrEqual(totalAmount)
	return funding, nil
}
