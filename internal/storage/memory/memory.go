// Package memory is an in-process storage.Store used by tests and by the
// dry-run mode. It mirrors the Postgres implementation's semantics,
// including ErrNotFound mapping and insertion-order listing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/models"
)

type store struct {
	mu sync.RWMutex

	campaigns  map[string]*models.Campaign
	recipients map[string][]*models.Recipient // keyed by campaign id, insertion order
	records    map[string][]*models.TransactionRecord
	nextID     uint
}

// New returns an empty in-memory store.
func New() storage.Store {
	return &store{
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string][]*models.Recipient),
		records:    make(map[string][]*models.TransactionRecord),
	}
}

func (s *store) Campaigns() storage.CampaignRepo { return &campaignRepo{s} }

func (s *store) Recipients() storage.RecipientRepo { return &recipientRepo{s} }

func (s *store) Transactions() storage.TransactionRepo { return &transactionRepo{s} }

func (s *store) Migrate() error { return nil }

func (s *store) Close() error { return nil }

func copyCampaign(c *models.Campaign) *models.Campaign {
	out := *c
	return &out
}

func copyRecipient(r *models.Recipient) *models.Recipient {
	out := *r
	return &out
}

type campaignRepo struct{ s *store }

func (r *campaignRepo) CreateWithRecipients(_ context.Context, c *models.Campaign, recipients []*models.Recipient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	r.s.campaigns[c.ID] = copyCampaign(c)
	for _, rec := range recipients {
		r.s.nextID++
		stored := copyRecipient(rec)
		stored.ID = r.s.nextID
		stored.CampaignID = c.ID
		r.s.recipients[c.ID] = append(r.s.recipients[c.ID], stored)
	}
	return nil
}

func (r *campaignRepo) Get(_ context.Context, id string) (*models.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyCampaign(c), nil
}

func (r *campaignRepo) Update(_ context.Context, c *models.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.campaigns[c.ID]; !ok {
		return storage.ErrNotFound
	}
	r.s.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (r *campaignRepo) SetContract(_ context.Context, id, contractAddress, txHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return storage.ErrNotFound
	}
	if c.ContractAddress != "" && c.ContractAddress != contractAddress {
		return fmt.Errorf("campaign %s already has a different contract address", id)
	}
	c.ContractAddress = contractAddress
	c.ContractTxHash = txHash
	return nil
}

func (r *campaignRepo) List(_ context.Context, limit, offset int) ([]*models.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := make([]*models.Campaign, 0, len(r.s.campaigns))
	for _, c := range r.s.campaigns {
		all = append(all, copyCampaign(c))
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

type recipientRepo struct{ s *store }

func (r *recipientRepo) ListByCampaign(_ context.Context, campaignID string) ([]*models.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Recipient, 0, len(r.s.recipients[campaignID]))
	for _, rec := range r.s.recipients[campaignID] {
		out = append(out, copyRecipient(rec))
	}
	return out, nil
}

func (r *recipientRepo) NextPending(_ context.Context, campaignID string, limit int) ([]*models.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*models.Recipient
	for _, rec := range r.s.recipients[campaignID] {
		if rec.Status != models.RecipientPending {
			continue
		}
		out = append(out, copyRecipient(rec))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *recipientRepo) ApplyOutcomes(_ context.Context, campaignID string, successes []uint, failures map[uint]string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	succeeded := make(map[uint]bool, len(successes))
	for _, id := range successes {
		succeeded[id] = true
	}
	for _, rec := range r.s.recipients[campaignID] {
		if succeeded[rec.ID] {
			rec.Status = models.RecipientSuccess
			rec.LastError = ""
		} else if reason, failed := failures[rec.ID]; failed {
			rec.Status = models.RecipientFailed
			rec.LastError = reason
		}
	}
	return nil
}

func (r *recipientRepo) ResetFailed(_ context.Context, campaignID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, rec := range r.s.recipients[campaignID] {
		if rec.Status == models.RecipientFailed {
			rec.Status = models.RecipientPending
			rec.LastError = ""
			n++
		}
	}
	return n, nil
}

func (r *recipientRepo) CountByStatus(_ context.Context, campaignID string) (map[models.RecipientStatus]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make(map[models.RecipientStatus]int)
	for _, rec := range r.s.recipients[campaignID] {
		out[rec.Status]++
	}
	return out, nil
}

type transactionRepo struct{ s *store }

func (r *transactionRepo) Append(_ context.Context, rec *models.TransactionRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.records[rec.CampaignID] {
		if existing.TxHash == rec.TxHash {
			return fmt.Errorf("transaction %s already recorded", rec.TxHash)
		}
	}
	r.s.nextID++
	stored := *rec
	stored.ID = r.s.nextID
	r.s.records[rec.CampaignID] = append(r.s.records[rec.CampaignID], &stored)
	return nil
}

func (r *transactionRepo) ListByCampaign(_ context.Context, campaignID string, opts storage.ListOptions) ([]*models.TransactionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	wantType := make(map[models.TransactionType]bool, len(opts.Types))
	for _, t := range opts.Types {
		wantType[t] = true
	}

	var out []*models.TransactionRecord
	for _, rec := range r.s.records[campaignID] {
		if len(wantType) > 0 && !wantType[rec.Type] {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}
