package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/fees"
	"github.com/multisender-app/multisender/internal/price"
	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/memory"
	"github.com/multisender-app/multisender/internal/storage/models"
)

const testPassphrase = "unit-test-passphrase"

// fakeTransferrer records batches and succeeds or fails recipients by rule.
type fakeTransferrer struct {
	mu      sync.Mutex
	batches [][]distributor.Recipient

	// failReason, when set, fails matching recipients with the reason.
	failReason func(r distributor.Recipient) (string, bool)
	// fatal, when set, makes every TransferBatch call batch-fatal.
	fatal error
	// batchStarted and proceed, when set, let the test hold the loop at a
	// batch boundary.
	batchStarted chan struct{}
	proceed      chan struct{}

	hashes atomic.Int64
}

func (f *fakeTransferrer) TransferBatch(ctx context.Context, req distributor.Request) (*distributor.Outcome, error) {
	if f.batchStarted != nil {
		f.batchStarted <- struct{}{}
		<-f.proceed
	}
	if f.fatal != nil {
		return nil, f.fatal
	}

	f.mu.Lock()
	f.batches = append(f.batches, req.Recipients)
	f.mu.Unlock()

	outcome := &distributor.Outcome{
		FeeConsumed: decimal.RequireFromString("0.001"),
	}
	for _, r := range req.Recipients {
		if f.failReason != nil {
			if reason, failed := f.failReason(r); failed {
				outcome.Failures = append(outcome.Failures, distributor.Failure{ID: r.ID, Address: r.Address, Reason: reason})
				continue
			}
		}
		outcome.Successes = append(outcome.Successes, r.ID)
	}
	// Mirror the adapters: a batch whose transaction landed but reverted
	// carries a failed submission.
	outcome.Submissions = []distributor.Submission{{
		Hash:   fmt.Sprintf("0xbatch%04d", f.hashes.Add(1)),
		Failed: len(outcome.Successes) == 0 && len(outcome.Failures) > 0,
	}}
	outcome.Finalize()
	return outcome, nil
}

func (f *fakeTransferrer) WithdrawNative(ctx context.Context, creds distributor.Credentials, to string) (*distributor.Withdrawal, error) {
	return &distributor.Withdrawal{
		TransactionHash: "0xwithdraw-native",
		Amount:          decimal.RequireFromString("1.5"),
		Reserved:        decimal.RequireFromString("0.01"),
	}, nil
}

func (f *fakeTransferrer) WithdrawToken(ctx context.Context, creds distributor.Credentials, token distributor.Token, to string) (*distributor.Withdrawal, error) {
	return &distributor.Withdrawal{
		TransactionHash: "0xwithdraw-token",
		Amount:          decimal.RequireFromString("100"),
		Reserved:        decimal.RequireFromString("0.01"),
	}, nil
}

func (f *fakeTransferrer) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func testEngine(t *testing.T, fake *fakeTransferrer) *Engine {
	t.Helper()
	return testEngineWithStore(t, memory.New(), fake)
}

func testEngineWithStore(t *testing.T, store storage.Store, fake *fakeTransferrer) *Engine {
	t.Helper()
	registry, err := chains.NewRegistry(nil)
	require.NoError(t, err)
	estimator := fees.New(registry, price.Static{"ETH": 2000, "SOL": 150}, zap.NewNop())
	return New(store, registry, estimator, zap.NewNop(),
		WithTransferrer("ethereum", fake),
		WithTransferrer("solana", fake),
	)
}

func makeSpec(chainID string, n int) Spec {
	spec := Spec{
		Name:       "launch airdrop",
		ChainID:    chainID,
		Passphrase: testPassphrase,
	}
	for i := 0; i < n; i++ {
		spec.Recipients = append(spec.Recipients, RecipientInput{
			Address: fmt.Sprintf("0x%040x", i+1),
			Amount:  decimal.NewFromInt(10),
		})
	}
	return spec
}

// deployAndReady walks a fresh campaign to READY using a stub deployment.
func deployAndReady(t *testing.T, e *Engine, campaignID string) {
	t.Helper()
	_, err := e.DeployContractWithLock(context.Background(), campaignID, func(ctx context.Context) (string, string, error) {
		return "0xc0ffee0000000000000000000000000000000000", "0xdeploy01", nil
	})
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), campaignID))
}

func waitForStatus(t *testing.T, e *Engine, campaignID string, want models.CampaignStatus) *Details {
	t.Helper()
	var details *Details
	require.Eventually(t, func() bool {
		d, err := e.GetCampaignDetails(context.Background(), campaignID)
		if err != nil {
			return false
		}
		details = d
		return d.Campaign.Status == want
	}, 5*time.Second, 5*time.Millisecond, "campaign never reached %s", want)
	return details
}

func assertInvariant(t *testing.T, d *Details) {
	t.Helper()
	assert.Equal(t, d.Campaign.TotalRecipients, d.Pending+d.Completed+d.Failed,
		"completed + failed + pending must equal total")
}

func TestCampaignDrainsToCompleted(t *testing.T) {
	fake := &fakeTransferrer{}
	e := testEngine(t, fake)

	c, w, err := e.CreateCampaign(context.Background(), makeSpec("ethereum", 250))
	require.NoError(t, err)
	require.NotEmpty(t, w.PrivateKey)
	assert.Equal(t, 100, c.BatchSize)

	deployAndReady(t, e, c.ID)
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	details := waitForStatus(t, e, c.ID, models.CampaignCompleted)
	assert.Equal(t, 250, details.Completed)
	assert.Equal(t, []int{100, 100, 50}, fake.batchSizes())
	assertInvariant(t, details)

	records, err := e.GetTransactions(context.Background(), c.ID, storage.ListOptions{})
	require.NoError(t, err)
	// One deployment plus three batch transactions.
	assert.Len(t, records, 4)
}

func TestDeployContractWithLockIsIdempotent(t *testing.T) {
	e := testEngine(t, &fakeTransferrer{})

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("ethereum", 5))
	require.NoError(t, err)

	var deployments atomic.Int64
	deploy := func(ctx context.Context) (string, string, error) {
		deployments.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the guard so callers pile up
		return "0xc0ffee0000000000000000000000000000000000", "0xdeploy01", nil
	}

	const callers = 8
	results := make([]*DeployResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, callErr := e.DeployContractWithLock(context.Background(), c.ID, deploy)
			require.NoError(t, callErr)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), deployments.Load(), "exactly one chain deployment")
	for _, res := range results {
		assert.Equal(t, "0xc0ffee0000000000000000000000000000000000", res.ContractAddress)
	}
}

func TestPartialBatchMarksOnlyInvalidRecipients(t *testing.T) {
	fake := &fakeTransferrer{
		failReason: func(r distributor.Recipient) (string, bool) {
			if r.Address == fmt.Sprintf("0x%040x", 3) {
				return "invalid address: not a hex-encoded account", true
			}
			return "", false
		},
	}
	e := testEngine(t, fake)

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("ethereum", 6))
	require.NoError(t, err)
	deployAndReady(t, e, c.ID)
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	// Failures remain addressable, so the drained campaign parks in PAUSED.
	details := waitForStatus(t, e, c.ID, models.CampaignPaused)
	assert.Equal(t, 5, details.Completed)
	assert.Equal(t, 1, details.Failed)
	assertInvariant(t, details)

	recipients, err := e.GetRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	for _, r := range recipients {
		if r.Address == fmt.Sprintf("0x%040x", 3) {
			assert.Equal(t, models.RecipientFailed, r.Status)
			assert.Contains(t, r.LastError, "invalid address")
		} else {
			assert.Equal(t, models.RecipientSuccess, r.Status)
		}
	}
}

func TestRetryFailedTransactionsResetsOnlyFailed(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	fake := &fakeTransferrer{
		failReason: func(r distributor.Recipient) (string, bool) {
			if fail.Load() && r.Address <= fmt.Sprintf("0x%040x", 2) {
				return "execution reverted", true
			}
			return "", false
		},
	}
	e := testEngine(t, fake)

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("ethereum", 5))
	require.NoError(t, err)
	deployAndReady(t, e, c.ID)
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))
	waitForStatus(t, e, c.ID, models.CampaignPaused)

	n, err := e.RetryFailedTransactions(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	details, err := e.GetCampaignDetails(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, details.Pending)
	assert.Equal(t, 3, details.Completed)
	assert.Zero(t, details.Failed)
	assertInvariant(t, details)

	// A subsequent start resumes and drains the reset recipients.
	fail.Store(false)
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))
	details = waitForStatus(t, e, c.ID, models.CampaignCompleted)
	assert.Equal(t, 5, details.Completed)
	assertInvariant(t, details)
}

func TestPauseStopsAtBatchBoundary(t *testing.T) {
	fake := &fakeTransferrer{
		batchStarted: make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	e := testEngine(t, fake)

	// Solana campaigns need no contract; batch size for 25 recipients is 10.
	c, _, err := e.CreateCampaign(context.Background(), makeSpec("solana", 25))
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), c.ID))
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	<-fake.batchStarted
	require.NoError(t, e.Pause(context.Background(), c.ID))
	fake.proceed <- struct{}{}

	details := waitForStatus(t, e, c.ID, models.CampaignPaused)
	assert.Greater(t, details.Pending, 0, "pause must leave later batches unsent")
	assertInvariant(t, details)

	// Resume drains the rest.
	go func() {
		for range fake.batchStarted {
			fake.proceed <- struct{}{}
		}
	}()
	require.NoError(t, e.Resume(context.Background(), c.ID, testPassphrase))
	details = waitForStatus(t, e, c.ID, models.CampaignCompleted)
	assert.Equal(t, 25, details.Completed)
	close(fake.batchStarted)
}

func TestBatchFatalErrorHaltsCampaign(t *testing.T) {
	fake := &fakeTransferrer{fatal: errors.New("invalid private key material")}
	e := testEngine(t, fake)

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("solana", 4))
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), c.ID))
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	details := waitForStatus(t, e, c.ID, models.CampaignFailed)
	assert.Equal(t, 4, details.Pending, "recipients stay pending for a later retry")
	assertInvariant(t, details)
}

func TestStateTransitionValidation(t *testing.T) {
	e := testEngine(t, &fakeTransferrer{})

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("solana", 3))
	require.NoError(t, err)

	// start requires READY or PAUSED.
	err = e.Start(context.Background(), c.ID, testPassphrase)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// pause is valid only from SENDING.
	err = e.Pause(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// cancel works from any non-terminal state, once.
	require.NoError(t, e.Cancel(context.Background(), c.ID))
	err = e.Cancel(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrCampaignTerminal)

	// terminal campaigns accept no further writes.
	err = e.MarkReady(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.RetryFailedTransactions(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrCampaignTerminal)
}

func TestStartRejectsWrongPassphrase(t *testing.T) {
	e := testEngine(t, &fakeTransferrer{})

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("solana", 3))
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), c.ID))

	err = e.Start(context.Background(), c.ID, "not-the-passphrase")
	require.Error(t, err)
}

func TestWithdrawRefusedWhileSending(t *testing.T) {
	fake := &fakeTransferrer{
		batchStarted: make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	e := testEngine(t, fake)

	c, _, err := e.CreateCampaign(context.Background(), makeSpec("solana", 10))
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), c.ID))
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))
	<-fake.batchStarted

	_, err = e.WithdrawRemainingNative(context.Background(), c.ID, "recipient", testPassphrase)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	go func() {
		fake.proceed <- struct{}{}
		for range fake.batchStarted {
			fake.proceed <- struct{}{}
		}
	}()
	waitForStatus(t, e, c.ID, models.CampaignCompleted)
	close(fake.batchStarted)

	w, err := e.WithdrawRemainingNative(context.Background(), c.ID, "recipient", testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, "0xwithdraw-native", w.TransactionHash)
}

// Two rows may share an address; their results must settle row by row, not
// address by address.
func TestDuplicateAddressRowsSettleIndependently(t *testing.T) {
	shared := fmt.Sprintf("0x%040x", 7)
	fake := &fakeTransferrer{
		failReason: func(r distributor.Recipient) (string, bool) {
			if r.Amount.Equal(decimal.NewFromInt(7)) {
				return "execution reverted", true
			}
			return "", false
		},
	}
	e := testEngine(t, fake)

	c, _, err := e.CreateCampaign(context.Background(), Spec{
		Name:       "dup airdrop",
		ChainID:    "solana",
		Passphrase: testPassphrase,
		BatchSize:  1,
		Recipients: []RecipientInput{
			{Address: shared, Amount: decimal.NewFromInt(5)},
			{Address: shared, Amount: decimal.NewFromInt(7)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.MarkReady(context.Background(), c.ID))
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	details := waitForStatus(t, e, c.ID, models.CampaignPaused)
	assert.Equal(t, 1, details.Completed)
	assert.Equal(t, 1, details.Failed)
	assertInvariant(t, details)

	recipients, err := e.GetRecipients(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	statuses := map[models.RecipientStatus]int{}
	for _, r := range recipients {
		assert.Equal(t, shared, r.Address)
		statuses[r.Status]++
	}
	assert.Equal(t, 1, statuses[models.RecipientSuccess])
	assert.Equal(t, 1, statuses[models.RecipientFailed])
}

// A transaction that landed on chain but reverted is recorded as failed; only
// submissions that confirmed appear as TxConfirmed in the audit log.
func TestRevertedBatchRecordsFailedTransaction(t *testing.T) {
	fake := &fakeTransferrer{
		failReason: func(r distributor.Recipient) (string, bool) {
			if r.Address >= fmt.Sprintf("0x%040x", 3) {
				return "execution reverted", true
			}
			return "", false
		},
	}
	e := testEngine(t, fake)

	spec := makeSpec("ethereum", 4)
	spec.BatchSize = 2
	c, _, err := e.CreateCampaign(context.Background(), spec)
	require.NoError(t, err)
	deployAndReady(t, e, c.ID)
	require.NoError(t, e.Start(context.Background(), c.ID, testPassphrase))

	details := waitForStatus(t, e, c.ID, models.CampaignPaused)
	assert.Equal(t, 2, details.Completed)
	assert.Equal(t, 2, details.Failed)
	assertInvariant(t, details)

	records, err := e.GetTransactions(context.Background(), c.ID, storage.ListOptions{})
	require.NoError(t, err)
	byHash := map[string]models.TransactionStatus{}
	for _, rec := range records {
		if rec.Type == models.TxBatchTransfer {
			byHash[rec.TxHash] = rec.Status
		}
	}
	require.Len(t, byHash, 2)
	assert.Equal(t, models.TxConfirmed, byHash["0xbatch0001"])
	assert.Equal(t, models.TxFailed, byHash["0xbatch0002"])
}

// A pause request can land after the loop's final flag check; the follow-up
// still parks the campaign once the loop exits, unless a resume took over.
func TestPauseFollowUpParksAfterLoopExit(t *testing.T) {
	store := memory.New()
	e := testEngineWithStore(t, store, &fakeTransferrer{})
	ctx := context.Background()

	c, _, err := e.CreateCampaign(ctx, makeSpec("solana", 3))
	require.NoError(t, err)

	camp, err := store.Campaigns().Get(ctx, c.ID)
	require.NoError(t, err)
	camp.Status = models.CampaignSending
	require.NoError(t, store.Campaigns().Update(ctx, camp))

	// The loop already exited without observing the flag.
	r := &run{done: make(chan struct{})}
	close(r.done)
	e.awaitPause(ctx, c.ID, r)

	camp, err = store.Campaigns().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, camp.Status)

	// With a fresh loop registered, the stale follow-up must not park it.
	camp.Status = models.CampaignSending
	require.NoError(t, store.Campaigns().Update(ctx, camp))
	live, err := e.runs.start(c.ID)
	require.NoError(t, err)
	defer e.runs.finish(c.ID, live)

	e.awaitPause(ctx, c.ID, r)
	camp, err = store.Campaigns().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignSending, camp.Status)
}

// Same window for cancel: the follow-up settles CANCELLED after the loop
// exits, but never overwrites a state that is already terminal.
func TestCancelFollowUpSettlesAfterLoopExit(t *testing.T) {
	store := memory.New()
	e := testEngineWithStore(t, store, &fakeTransferrer{})
	ctx := context.Background()

	c, _, err := e.CreateCampaign(ctx, makeSpec("solana", 3))
	require.NoError(t, err)
	camp, err := store.Campaigns().Get(ctx, c.ID)
	require.NoError(t, err)
	camp.Status = models.CampaignPaused
	require.NoError(t, store.Campaigns().Update(ctx, camp))

	r := &run{done: make(chan struct{})}
	close(r.done)
	e.awaitCancel(ctx, c.ID, r)

	camp, err = store.Campaigns().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCancelled, camp.Status)

	done, _, err := e.CreateCampaign(ctx, makeSpec("solana", 2))
	require.NoError(t, err)
	camp, err = store.Campaigns().Get(ctx, done.ID)
	require.NoError(t, err)
	camp.Status = models.CampaignCompleted
	require.NoError(t, store.Campaigns().Update(ctx, camp))

	e.awaitCancel(ctx, done.ID, r)
	camp, err = store.Campaigns().Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, camp.Status)
}
