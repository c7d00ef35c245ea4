package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/models"
)

func seedCampaign(t *testing.T, s storage.Store, id string, recipients int) {
	t.Helper()

	c := &models.Campaign{
		ID:              id,
		Name:            "test",
		ChainID:         "ethereum",
		Status:          models.CampaignCreated,
		WalletAddress:   "0xwallet",
		BatchSize:       10,
		TotalRecipients: recipients,
		TotalAmount:     "100",
	}
	recs := make([]*models.Recipient, 0, recipients)
	for i := 0; i < recipients; i++ {
		recs = append(recs, &models.Recipient{
			Address: fmt.Sprintf("0x%040x", i+1),
			Amount:  "1",
			Status:  models.RecipientPending,
		})
	}
	require.NoError(t, s.Campaigns().CreateWithRecipients(context.Background(), c, recs))
}

func TestGetUnknownCampaignReturnsNotFound(t *testing.T) {
	s := New()

	_, err := s.Campaigns().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := New()
	seedCampaign(t, s, "c-1", 1)

	err := s.Campaigns().CreateWithRecipients(context.Background(),
		&models.Campaign{ID: "c-1"}, nil)
	assert.Error(t, err)
}

func TestSetContractIsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 1)

	require.NoError(t, s.Campaigns().SetContract(ctx, "c-1", "0xaaa", "0xtx1"))
	// Same address again is idempotent.
	require.NoError(t, s.Campaigns().SetContract(ctx, "c-1", "0xaaa", "0xtx2"))
	// A different address is refused.
	assert.Error(t, s.Campaigns().SetContract(ctx, "c-1", "0xbbb", "0xtx3"))

	c, err := s.Campaigns().Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", c.ContractAddress)
	assert.Equal(t, "0xtx1", c.ContractTxHash)
}

func TestNextPendingPreservesInsertionOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 5)

	batch, err := s.Recipients().NextPending(ctx, "c-1", 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, fmt.Sprintf("0x%040x", 1), batch[0].Address)
	assert.Equal(t, fmt.Sprintf("0x%040x", 3), batch[2].Address)
}

func TestApplyOutcomesLeavesUnnamedUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 4)

	rows, err := s.Recipients().ListByCampaign(ctx, "c-1")
	require.NoError(t, err)
	err = s.Recipients().ApplyOutcomes(ctx, "c-1",
		[]uint{rows[0].ID},
		map[uint]string{rows[1].ID: "insufficient balance"})
	require.NoError(t, err)

	counts, err := s.Recipients().CountByStatus(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.RecipientSuccess])
	assert.Equal(t, 1, counts[models.RecipientFailed])
	assert.Equal(t, 2, counts[models.RecipientPending])

	all, err := s.Recipients().ListByCampaign(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "insufficient balance", all[1].LastError)
	assert.Empty(t, all[0].LastError)
}

func TestApplyOutcomesSettlesDuplicateAddressesIndependently(t *testing.T) {
	s := New()
	ctx := context.Background()

	c := &models.Campaign{
		ID:              "c-1",
		Name:            "test",
		ChainID:         "ethereum",
		Status:          models.CampaignCreated,
		WalletAddress:   "0xwallet",
		BatchSize:       1,
		TotalRecipients: 2,
		TotalAmount:     "2",
	}
	same := fmt.Sprintf("0x%040x", 7)
	recs := []*models.Recipient{
		{Address: same, Amount: "1", Status: models.RecipientPending},
		{Address: same, Amount: "1", Status: models.RecipientPending},
	}
	require.NoError(t, s.Campaigns().CreateWithRecipients(ctx, c, recs))

	rows, err := s.Recipients().ListByCampaign(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, s.Recipients().ApplyOutcomes(ctx, "c-1", []uint{rows[0].ID}, nil))

	// Only the paid row settles; the second row with the same address stays
	// pending for its own batch.
	counts, err := s.Recipients().CountByStatus(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.RecipientSuccess])
	assert.Equal(t, 1, counts[models.RecipientPending])
}

func TestResetFailedMovesOnlyFailedBackToPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 3)

	rows, err := s.Recipients().ListByCampaign(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, s.Recipients().ApplyOutcomes(ctx, "c-1",
		[]uint{rows[0].ID},
		map[uint]string{rows[1].ID: "reverted"}))

	n, err := s.Recipients().ResetFailed(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := s.Recipients().CountByStatus(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.RecipientSuccess])
	assert.Equal(t, 2, counts[models.RecipientPending])
	assert.Zero(t, counts[models.RecipientFailed])
}

func TestTransactionAppendRejectsDuplicateHash(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 1)

	rec := &models.TransactionRecord{CampaignID: "c-1", TxHash: "0xabc", Type: models.TxBatchTransfer}
	require.NoError(t, s.Transactions().Append(ctx, rec))
	assert.Error(t, s.Transactions().Append(ctx,
		&models.TransactionRecord{CampaignID: "c-1", TxHash: "0xabc", Type: models.TxBatchTransfer}))
}

func TestTransactionListFiltersByType(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 1)

	require.NoError(t, s.Transactions().Append(ctx,
		&models.TransactionRecord{CampaignID: "c-1", TxHash: "0x1", Type: models.TxDeployment}))
	require.NoError(t, s.Transactions().Append(ctx,
		&models.TransactionRecord{CampaignID: "c-1", TxHash: "0x2", Type: models.TxBatchTransfer}))
	require.NoError(t, s.Transactions().Append(ctx,
		&models.TransactionRecord{CampaignID: "c-1", TxHash: "0x3", Type: models.TxBatchTransfer}))

	out, err := s.Transactions().ListByCampaign(ctx, "c-1",
		storage.ListOptions{Types: []models.TransactionType{models.TxBatchTransfer}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "0x2", out[0].TxHash)

	limited, err := s.Transactions().ListByCampaign(ctx, "c-1", storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "0x1", limited[0].TxHash)
}

func TestRepoReadsReturnCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, "c-1", 1)

	c, err := s.Campaigns().Get(ctx, "c-1")
	require.NoError(t, err)
	c.Status = models.CampaignSending

	again, err := s.Campaigns().Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCreated, again.Status)
}
