// internal/storage/models/recipient.go
package models

// RecipientStatus tracks one distribution target.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSuccess RecipientStatus = "success"
	RecipientFailed  RecipientStatus = "failed"
)

// Recipient belongs to exactly one Campaign and never outlives it. Created
// in bulk at campaign creation; mutated only by batch outcomes and the
// failed-to-pending reset.
type Recipient struct {
	BaseModel
	CampaignID string          `gorm:"index;not null;type:varchar(36)"`
	Address    string          `gorm:"not null;type:varchar(64)"`
	Amount     string          `gorm:"not null;type:decimal(65,30)"`
	Status     RecipientStatus `gorm:"index;not null;type:varchar(10)"`
	LastError  string          `gorm:"type:text"`
}
