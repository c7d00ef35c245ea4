// internal/storage/models/campaign.go
package models

import "time"

// CampaignStatus is the lifecycle state machine's persisted form.
type CampaignStatus string

const (
	CampaignCreated   CampaignStatus = "CREATED"
	CampaignReady     CampaignStatus = "READY"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Terminal reports whether only read and export operations remain valid.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// Campaign is one distribution run. Counter columns satisfy
// completed + failed + pending == total at every observation point.
type Campaign struct {
	ID        string    `gorm:"primarykey;type:varchar(36)"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`

	Name         string         `gorm:"not null;type:varchar(200)"`
	ChainID      string         `gorm:"index;not null;type:varchar(40)"`
	TokenAddress string         `gorm:"type:varchar(64)"` // empty for the native asset
	Status       CampaignStatus `gorm:"index;not null;type:varchar(20)"`

	WalletAddress       string `gorm:"not null;type:varchar(64)"`
	WalletKeyObfuscated string `gorm:"not null;type:text"`

	// Contract fields are set once by the deployment idempotency guard and
	// never overwritten.
	ContractAddress string `gorm:"type:varchar(64)"`
	ContractTxHash  string `gorm:"type:varchar(128)"`

	BatchSize           int    `gorm:"not null"`
	TotalRecipients     int    `gorm:"not null"`
	CompletedRecipients int    `gorm:"not null;default:0"`
	FailedRecipients    int    `gorm:"not null;default:0"`
	TotalAmount         string `gorm:"not null;type:decimal(65,30)"`
}
