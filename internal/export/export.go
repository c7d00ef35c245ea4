// Package export writes a campaign's audit trail (transaction records and
// recipient outcomes) to CSV or JSON files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/storage/models"
)

// Format represents the export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options configures the export behavior
type Options struct {
	Format Format
	// Types filters transaction records by type when non-empty.
	Types []models.TransactionType
	// OnlyConfirmed drops records that never confirmed.
	OnlyConfirmed bool
	OutputDir     string
}

// Exporter handles campaign audit export functionality
type Exporter struct {
	logger *zap.Logger
}

// New creates a new exporter
func New(logger *zap.Logger) *Exporter {
	return &Exporter{
		logger: logger,
	}
}

// ExportTransactions writes a campaign's transaction records based on the
// provided options and returns the output path.
func (e *Exporter) ExportTransactions(campaignID string, records []*models.TransactionRecord, options Options) (string, error) {
	filtered := e.filterRecords(records, options)
	if len(filtered) == 0 {
		return "", fmt.Errorf("no transaction records match the export criteria")
	}

	// Append order is audit order.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].ID < filtered[j].ID
	})

	outputPath := filepath.Join(options.OutputDir, e.generateFilename(campaignID, "transactions", options))
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	switch options.Format {
	case FormatCSV:
		err = e.transactionsToCSV(filtered, outputPath)
	case FormatJSON:
		err = e.transactionsToJSON(campaignID, filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info("Transaction records exported",
		zap.String("campaign_id", campaignID),
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))

	return outputPath, nil
}

// ExportRecipients writes a campaign's recipient outcomes.
func (e *Exporter) ExportRecipients(campaignID string, recipients []*models.Recipient, options Options) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("no recipients to export")
	}

	outputPath := filepath.Join(options.OutputDir, e.generateFilename(campaignID, "recipients", options))
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	switch options.Format {
	case FormatCSV:
		err = e.recipientsToCSV(recipients, outputPath)
	case FormatJSON:
		err = e.recipientsToJSON(campaignID, recipients, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info("Recipient outcomes exported",
		zap.String("campaign_id", campaignID),
		zap.String("file", outputPath),
		zap.Int("count", len(recipients)))

	return outputPath, nil
}

// filterRecords applies filters to the record list
func (e *Exporter) filterRecords(records []*models.TransactionRecord, options Options) []*models.TransactionRecord {
	wantType := make(map[models.TransactionType]bool, len(options.Types))
	for _, t := range options.Types {
		wantType[t] = true
	}

	var filtered []*models.TransactionRecord
	for _, rec := range records {
		if len(wantType) > 0 && !wantType[rec.Type] {
			continue
		}
		if options.OnlyConfirmed && rec.Status != models.TxConfirmed {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered
}

// generateFilename creates a filename based on export options
func (e *Exporter) generateFilename(campaignID, kind string, options Options) string {
	timestamp := time.Now().Format("20060102_150405")
	short := campaignID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("campaign_%s_%s_%s.%s", short, kind, timestamp, options.Format)
}

func transactionCSVHeaders() []string {
	return []string{"tx_hash", "type", "status", "from", "to", "fee_consumed", "block_ref", "error", "created_at"}
}

func (e *Exporter) transactionsToCSV(records []*models.TransactionRecord, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(transactionCSVHeaders()); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.TxHash,
			string(rec.Type),
			string(rec.Status),
			rec.FromAddress,
			rec.ToAddress,
			rec.FeeConsumed,
			rec.BlockRef,
			rec.Error,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}

func (e *Exporter) transactionsToJSON(campaignID string, records []*models.TransactionRecord, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	exportData := struct {
		ExportTime  time.Time                   `json:"export_time"`
		CampaignID  string                      `json:"campaign_id"`
		RecordCount int                         `json:"record_count"`
		Records     []*models.TransactionRecord `json:"records"`
		Summary     Summary                     `json:"summary"`
	}{
		ExportTime:  time.Now().UTC(),
		CampaignID:  campaignID,
		RecordCount: len(records),
		Records:     records,
		Summary:     e.calculateSummary(records),
	}

	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func (e *Exporter) recipientsToCSV(recipients []*models.Recipient, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"address", "amount", "status", "last_error"}); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, r := range recipients {
		if err := writer.Write([]string{r.Address, r.Amount, string(r.Status), r.LastError}); err != nil {
			return fmt.Errorf("failed to write recipient: %w", err)
		}
	}
	return nil
}

func (e *Exporter) recipientsToJSON(campaignID string, recipients []*models.Recipient, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	exportData := struct {
		ExportTime time.Time           `json:"export_time"`
		CampaignID string              `json:"campaign_id"`
		Count      int                 `json:"count"`
		Recipients []*models.Recipient `json:"recipients"`
	}{
		ExportTime: time.Now().UTC(),
		CampaignID: campaignID,
		Count:      len(recipients),
		Recipients: recipients,
	}

	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Summary contains summary statistics for exported records
type Summary struct {
	TotalRecords     int            `json:"total_records"`
	ConfirmedRecords int            `json:"confirmed_records"`
	FailedRecords    int            `json:"failed_records"`
	CountByType      map[string]int `json:"count_by_type"`
	TotalFees        string         `json:"total_fees"`
}

// calculateSummary calculates summary statistics for the export
func (e *Exporter) calculateSummary(records []*models.TransactionRecord) Summary {
	summary := Summary{
		TotalRecords: len(records),
		CountByType:  make(map[string]int),
	}

	totalFees := decimal.Zero
	for _, rec := range records {
		summary.CountByType[string(rec.Type)]++
		switch rec.Status {
		case models.TxConfirmed:
			summary.ConfirmedRecords++
		case models.TxFailed:
			summary.FailedRecords++
		}
		if rec.FeeConsumed != "" {
			if fee, err := decimal.NewFromString(rec.FeeConsumed); err == nil {
				totalFees = totalFees.Add(fee)
			}
		}
	}
	summary.TotalFees = totalFees.String()
	return summary
}
