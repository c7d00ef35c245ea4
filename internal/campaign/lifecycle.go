package campaign

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/distributor"
	"github.com/multisender-app/multisender/internal/storage/models"
)

// runSet tracks live batch loops, one per campaign at most.
type runSet struct{ m sync.Map }

type run struct {
	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
	done            chan struct{}
}

func (s *runSet) start(campaignID string) (*run, error) {
	r := &run{done: make(chan struct{})}
	if _, loaded := s.m.LoadOrStore(campaignID, r); loaded {
		return nil, ErrCampaignRunning
	}
	return r, nil
}

func (s *runSet) get(campaignID string) (*run, bool) {
	v, ok := s.m.Load(campaignID)
	if !ok {
		return nil, false
	}
	return v.(*run), true
}

func (s *runSet) finish(campaignID string, r *run) {
	s.m.Delete(campaignID)
	close(r.done)
}

// MarkReady transitions CREATED → READY once the campaign's preconditions
// hold: a distribution contract for account-model chains, and a funded
// wallet where a balance reader is wired.
func (e *Engine) MarkReady(ctx context.Context, campaignID string) error {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignCreated {
		return fmt.Errorf("%w: %s → READY", ErrInvalidTransition, c.Status)
	}

	chain, err := e.registry.Resolve(c.ChainID)
	if err != nil {
		return err
	}
	if chain.Family == chains.FamilyAccountModel && c.ContractAddress == "" {
		return fmt.Errorf("campaign %s needs a deployed distribution contract", campaignID)
	}
	if _, ok := e.balances[c.ChainID]; ok {
		funding, fundErr := e.FundingStatus(ctx, campaignID)
		if fundErr != nil {
			return fundErr
		}
		if !funding.Funded {
			return fmt.Errorf("campaign %s wallet underfunded: has %s, needs %s",
				campaignID, funding.Available, funding.Required)
		}
	}

	c.Status = models.CampaignReady
	return e.store.Campaigns().Update(ctx, c)
}

// Start begins or resumes the batch loop. Valid from READY or PAUSED; the
// loop runs in its own goroutine and observes pause/cancel between batches.
func (e *Engine) Start(ctx context.Context, campaignID, passphrase string) error {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignReady && c.Status != models.CampaignPaused {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.Status)
	}

	creds, err := e.credentials(c, passphrase)
	if err != nil {
		return err
	}
	transferrer, err := e.transferrerFor(c.ChainID)
	if err != nil {
		return err
	}

	r, err := e.runs.start(campaignID)
	if err != nil {
		return err
	}

	c.Status = models.CampaignSending
	if err := e.store.Campaigns().Update(ctx, c); err != nil {
		e.runs.finish(campaignID, r)
		return err
	}

	loopCtx := context.WithoutCancel(ctx)
	go e.batchLoop(loopCtx, c.ID, creds, transferrer, r)

	e.logger.Info("campaign started", zap.String("campaign_id", c.ID))
	return nil
}

// Resume restarts a paused campaign. It is Start under a clearer name.
func (e *Engine) Resume(ctx context.Context, campaignID, passphrase string) error {
	return e.Start(ctx, campaignID, passphrase)
}

// Pause asks a SENDING campaign to stop after the in-flight batch.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignSending {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.Status)
	}

	if r, ok := e.runs.get(campaignID); ok {
		r.pauseRequested.Store(true)
		// The loop may already be past its final flag check; once it exits,
		// park the campaign if the flag went unobserved.
		go e.awaitPause(context.WithoutCancel(ctx), campaignID, r)
		return nil
	}
	// No live loop (e.g. after a crash mid-SENDING): settle the state
	// directly.
	c.Status = models.CampaignPaused
	return e.store.Campaigns().Update(ctx, c)
}

// awaitPause waits for a run to finish and parks the campaign if the loop
// exited without settling it, which happens when a pause request lands after
// the loop's final flag check.
func (e *Engine) awaitPause(ctx context.Context, campaignID string, r *run) {
	<-r.done
	if _, live := e.runs.get(campaignID); live {
		// Already resumed; the new loop owns the state now.
		return
	}
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		e.logger.Error("pause follow-up read failed",
			zap.String("campaign_id", campaignID),
			zap.Error(err))
		return
	}
	if c.Status != models.CampaignSending {
		return
	}
	c.Status = models.CampaignPaused
	if err := e.store.Campaigns().Update(ctx, c); err != nil {
		e.logger.Error("pause follow-up write failed",
			zap.String("campaign_id", campaignID),
			zap.Error(err))
	}
}

// Cancel moves any non-terminal campaign to CANCELLED. A running loop stops
// at the next batch boundary.
func (e *Engine) Cancel(ctx context.Context, campaignID string) error {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrCampaignTerminal, c.Status)
	}

	if r, ok := e.runs.get(campaignID); ok {
		r.cancelRequested.Store(true)
		// Same late-request window as Pause: re-settle once the loop exits.
		go e.awaitCancel(context.WithoutCancel(ctx), campaignID, r)
		return nil
	}
	c.Status = models.CampaignCancelled
	return e.store.Campaigns().Update(ctx, c)
}

// awaitCancel waits for a run to finish and moves the campaign to CANCELLED
// unless the loop already settled it in a terminal state.
func (e *Engine) awaitCancel(ctx context.Context, campaignID string, r *run) {
	<-r.done
	e.settle(ctx, campaignID, models.CampaignCancelled)
}

// RetryFailedTransactions resets all and only failed recipients back to
// pending so a subsequent Start resumes. It revives a FAILED campaign to
// PAUSED; it never retries automatically.
func (e *Engine) RetryFailedTransactions(ctx context.Context, campaignID string) (int64, error) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	switch c.Status {
	case models.CampaignCompleted, models.CampaignCancelled:
		return 0, fmt.Errorf("%w: %s", ErrCampaignTerminal, c.Status)
	case models.CampaignSending:
		return 0, fmt.Errorf("%w: retry while %s", ErrInvalidTransition, c.Status)
	}

	n, err := e.store.Recipients().ResetFailed(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	c.FailedRecipients -= int(n)
	c.Status = models.CampaignPaused
	if err := e.store.Campaigns().Update(ctx, c); err != nil {
		return n, err
	}

	e.logger.Info("failed recipients reset",
		zap.String("campaign_id", campaignID),
		zap.Int64("reset", n))
	return n, nil
}

// batchLoop drains pending recipients batch by batch until none remain, a
// pause/cancel request is observed, or a batch-fatal error halts the
// campaign.
func (e *Engine) batchLoop(ctx context.Context, campaignID string, creds distributor.Credentials, transferrer distributor.Transferrer, r *run) {
	defer e.runs.finish(campaignID, r)

	log := e.logger.With(zap.String("campaign_id", campaignID))

	for {
		if r.cancelRequested.Load() {
			e.settle(ctx, campaignID, models.CampaignCancelled)
			log.Info("campaign cancelled")
			return
		}
		if r.pauseRequested.Load() {
			e.settle(ctx, campaignID, models.CampaignPaused)
			log.Info("campaign paused")
			return
		}

		c, err := e.store.Campaigns().Get(ctx, campaignID)
		if err != nil {
			log.Error("campaign read failed, halting loop", zap.Error(err))
			return
		}

		pending, err := e.store.Recipients().NextPending(ctx, campaignID, c.BatchSize)
		if err != nil {
			log.Error("pending recipients read failed, halting loop", zap.Error(err))
			return
		}
		if len(pending) == 0 {
			final := models.CampaignCompleted
			if c.FailedRecipients > 0 {
				// Failures remain addressable through
				// RetryFailedTransactions, so the campaign stays
				// non-terminal.
				final = models.CampaignPaused
			}
			e.settle(ctx, campaignID, final)
			log.Info("campaign drained",
				zap.String("final_status", string(final)),
				zap.Int("completed", c.CompletedRecipients),
				zap.Int("failed", c.FailedRecipients))
			return
		}

		outcome, err := e.runBatch(ctx, c, creds, transferrer, pending)
		if err != nil {
			// Batch-fatal: remaining recipients stay pending for a later
			// retry; the campaign halts.
			e.settle(ctx, campaignID, models.CampaignFailed)
			log.Error("batch failed fatally, campaign halted", zap.Error(err))
			return
		}

		if err := e.applyOutcome(ctx, c, outcome); err != nil {
			log.Error("outcome persistence failed, halting loop", zap.Error(err))
			return
		}
	}
}

// runBatch delegates one pending slice to the transfer adapter.
func (e *Engine) runBatch(ctx context.Context, c *models.Campaign, creds distributor.Credentials, transferrer distributor.Transferrer, pending []*models.Recipient) (*distributor.Outcome, error) {
	recipients := make([]distributor.Recipient, 0, len(pending))
	for _, p := range pending {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("recipient %s has malformed amount %q: %w", p.Address, p.Amount, err)
		}
		recipients = append(recipients, distributor.Recipient{ID: p.ID, Address: p.Address, Amount: amount})
	}

	return transferrer.TransferBatch(ctx, distributor.Request{
		Token:           distributor.Token{ChainID: c.ChainID, Address: c.TokenAddress},
		Recipients:      recipients,
		Credentials:     creds,
		ContractAddress: c.ContractAddress,
	})
}

// applyOutcome records recipient results, appends transaction records and
// advances the campaign counters.
func (e *Engine) applyOutcome(ctx context.Context, c *models.Campaign, outcome *distributor.Outcome) error {
	failures := make(map[uint]string, len(outcome.Failures))
	for _, f := range outcome.Failures {
		failures[f.ID] = f.Reason
	}
	if err := e.store.Recipients().ApplyOutcomes(ctx, c.ID, outcome.Successes, failures); err != nil {
		return err
	}

	for i, sub := range outcome.Submissions {
		status := models.TxConfirmed
		if sub.Failed {
			status = models.TxFailed
		}
		rec := &models.TransactionRecord{
			CampaignID:  c.ID,
			TxHash:      sub.Hash,
			Type:        models.TxBatchTransfer,
			FromAddress: c.WalletAddress,
			Status:      status,
		}
		if i == 0 {
			rec.FeeConsumed = outcome.FeeConsumed.String()
		}
		if err := e.store.Transactions().Append(ctx, rec); err != nil {
			return err
		}
	}

	fresh, err := e.store.Campaigns().Get(ctx, c.ID)
	if err != nil {
		return err
	}
	fresh.CompletedRecipients += len(outcome.Successes)
	fresh.FailedRecipients += len(outcome.Failures)
	return e.store.Campaigns().Update(ctx, fresh)
}

// settle writes a loop-final status unless the campaign reached a terminal
// state through another path meanwhile.
func (e *Engine) settle(ctx context.Context, campaignID string, status models.CampaignStatus) {
	c, err := e.store.Campaigns().Get(ctx, campaignID)
	if err != nil {
		e.logger.Error("settle read failed",
			zap.String("campaign_id", campaignID),
			zap.Error(err))
		return
	}
	if c.Status.Terminal() {
		return
	}
	c.Status = status
	if err := e.store.Campaigns().Update(ctx, c); err != nil {
		e.logger.Error("settle write failed",
			zap.String("campaign_id", campaignID),
			zap.Error(err))
	}
}
