// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/multisender-app/multisender/internal/storage/models"
)

// ErrNotFound is returned when a lookup matches no row. Implementations map
// their driver's sentinel onto it.
var ErrNotFound = errors.New("record not found")

// ListOptions bounds and orders a transaction listing.
type ListOptions struct {
	Limit  int
	Offset int
	// Types filters by transaction type when non-empty.
	Types []models.TransactionType
}

// CampaignRepo persists campaigns.
type CampaignRepo interface {
	// CreateWithRecipients stores a campaign and its recipient list in one
	// transaction; neither exists without the other.
	CreateWithRecipients(ctx context.Context, c *models.Campaign, recipients []*models.Recipient) error
	Get(ctx context.Context, id string) (*models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign) error
	// SetContract records a completed deployment. It fails if the campaign
	// already carries a different contract address.
	SetContract(ctx context.Context, id, contractAddress, txHash string) error
	List(ctx context.Context, limit, offset int) ([]*models.Campaign, error)
}

// RecipientRepo persists distribution targets.
type RecipientRepo interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]*models.Recipient, error)
	// NextPending returns up to limit pending recipients in insertion order.
	NextPending(ctx context.Context, campaignID string, limit int) ([]*models.Recipient, error)
	// ApplyOutcomes marks the listed recipient rows succeeded or failed.
	// Rows not named stay untouched. Keyed by row ID, not address, so
	// duplicate addresses within a campaign settle independently.
	ApplyOutcomes(ctx context.Context, campaignID string, successes []uint, failures map[uint]string) error
	// ResetFailed moves all and only failed recipients back to pending and
	// returns how many were reset.
	ResetFailed(ctx context.Context, campaignID string) (int64, error)
	CountByStatus(ctx context.Context, campaignID string) (map[models.RecipientStatus]int, error)
}

// TransactionRepo is the append-only audit log.
type TransactionRepo interface {
	Append(ctx context.Context, rec *models.TransactionRecord) error
	ListByCampaign(ctx context.Context, campaignID string, opts ListOptions) ([]*models.TransactionRecord, error)
}

// Store bundles the repositories over one backing database.
type Store interface {
	Campaigns() CampaignRepo
	Recipients() RecipientRepo
	Transactions() TransactionRepo
	// Migrate brings the schema up to date.
	Migrate() error
	Close() error
}
