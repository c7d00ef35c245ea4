// internal/storage/models/transaction.go
package models

// TransactionType classifies one submitted on-chain operation.
type TransactionType string

const (
	TxDeployment    TransactionType = "deployment"
	TxApproval      TransactionType = "approval"
	TxBatchTransfer TransactionType = "batch_transfer"
	TxWithdrawal    TransactionType = "withdrawal"
)

// TransactionStatus is the terminal outcome recorded for a submission.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// TransactionRecord is an append-only audit entry. Never mutated after its
// confirmation is recorded; campaigns are resumed after a crash by reading
// which batches already landed.
type TransactionRecord struct {
	BaseModel
	CampaignID  string            `gorm:"index;not null;type:varchar(36)"`
	TxHash      string            `gorm:"uniqueIndex;not null;type:varchar(128)"`
	Type        TransactionType   `gorm:"not null;type:varchar(20)"`
	FromAddress string            `gorm:"not null;type:varchar(64)"`
	ToAddress   string            `gorm:"type:varchar(64)"`
	FeeConsumed string            `gorm:"type:decimal(65,30)"`
	Status      TransactionStatus `gorm:"not null;type:varchar(10)"`
	BlockRef    string            `gorm:"type:varchar(64)"`
	Error       string            `gorm:"type:text"`
}
