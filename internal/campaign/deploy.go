package campaign

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/storage/models"
)

// guardSet holds the per-campaign deployment mutexes. Entries are created
// on first use and live for the process lifetime; a distributed lock would
// replace this if the engine ever ran in more than one process.
type guardSet struct{ m sync.Map }

func (g *guardSet) forCampaign(campaignID string) *sync.Mutex {
	v, _ := g.m.LoadOrStore(campaignID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// DeployFunc performs the actual chain deployment. It runs at most once per
// campaign.
type DeployFunc func(ctx context.Context) (contractAddress, txHash string, err error)

// DeployResult reports the distribution contract for a campaign.
type DeployResult struct {
	ContractAddress string
	TxHash          string
	// AlreadyDeployed is true when the address was served from storage
	// without invoking the chain.
	AlreadyDeployed bool
}

// DeployContractWithLock runs deploy under the campaign's idempotency
// guard. Concurrent callers serialize on the guard: whoever enters first
// deploys, everyone after observes the stored address. A completed
// deployment is never re-invoked.
func (e *Engine) DeployContractWithLock(ctx context.Context, campaignID string, deploy DeployFunc) (*DeployResult, error) {
	mu := e.guards.forCampaign(campaignID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent caller may have deployed while
	// we waited.
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrCampaignTerminal, c.Status)
	}
	if c.ContractAddress != "" {
		return &DeployResult{
			ContractAddress: c.ContractAddress,
			TxHash:          c.ContractTxHash,
			AlreadyDeployed: true,
		}, nil
	}

	address, txHash, err := deploy(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploy distribution contract: %w", err)
	}

	if err := e.store.Campaigns().SetContract(ctx, campaignID, address, txHash); err != nil {
		return nil, err
	}
	record := &models.TransactionRecord{
		CampaignID:  campaignID,
		TxHash:      txHash,
		Type:        models.TxDeployment,
		FromAddress: c.WalletAddress,
		ToAddress:   address,
		Status:      models.TxConfirmed,
	}
	if err := e.store.Transactions().Append(ctx, record); err != nil {
		return nil, err
	}

	e.logger.Info("distribution contract recorded",
		zap.String("campaign_id", campaignID),
		zap.String("contract", address),
		zap.String("tx_hash", txHash))
	return &DeployResult{ContractAddress: address, TxHash: txHash}, nil
}

// Deployer deploys the distribution contract for an account-model chain.
type Deployer interface {
	Deploy(ctx context.Context, creds distributor.Credentials) (contractAddress, txHash string, err error)
}

// DeployContract resolves the chain's registered deployer and runs it under
// the campaign's idempotency guard.
func (e *Engine) DeployContract(ctx context.Context, campaignID, passphrase string) (*DeployResult, error) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	d, ok := e.deployers[c.ChainID]
	if !ok {
		return nil, fmt.Errorf("no deployer registered for chain %s", c.ChainID)
	}
	creds, err := e.credentials(c, passphrase)
	if err != nil {
		return nil, err
	}
	return e.DeployContractWithLock(ctx, campaignID, func(ctx context.Context) (string, string, error) {
		return d.Deploy(ctx, creds)
	})
}
