// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/multisender-app/multisender/internal/storage"
	"github.com/multisender-app/multisender/internal/storage/models"
)

// gormLogger adapts zap to GORM's logger.Interface.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger,
		logLevel:  logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Info("trace", fields...)
	}
}

// migrationLockKey is the advisory lock guarding concurrent AutoMigrate.
const migrationLockKey = 4217

// store implements storage.Store over Postgres.
type store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New connects to Postgres and configures the connection pool.
func New(dsn string, zapLogger *zap.Logger) (storage.Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &store{db: db, logger: zapLogger}, nil
}

func (s *store) Campaigns() storage.CampaignRepo { return &campaignRepo{db: s.db} }

func (s *store) Recipients() storage.RecipientRepo { return &recipientRepo{db: s.db} }

func (s *store) Transactions() storage.TransactionRepo { return &transactionRepo{db: s.db} }

// Migrate runs AutoMigrate under a pg advisory lock so parallel instances
// do not race on DDL.
func (s *store) Migrate() error {
	var lockObtained bool
	err := s.db.Raw("SELECT pg_try_advisory_lock(?)", migrationLockKey).Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer s.db.Exec("SELECT pg_advisory_unlock(?)", migrationLockKey)

	err = s.db.AutoMigrate(
		&models.Campaign{},
		&models.Recipient{},
		&models.TransactionRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

type campaignRepo struct{ db *gorm.DB }

func (r *campaignRepo) CreateWithRecipients(ctx context.Context, c *models.Campaign, recipients []*models.Recipient) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if len(recipients) == 0 {
			return nil
		}
		// Bulk insert in slices to stay under the parameter limit.
		return tx.CreateInBatches(recipients, 500).Error
	})
}

func (r *campaignRepo) Get(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

func (r *campaignRepo) Update(ctx context.Context, c *models.Campaign) error {
	return r.db.WithContext(ctx).Save(c).Error
}

func (r *campaignRepo) SetContract(ctx context.Context, id, contractAddress, txHash string) error {
	res := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND (contract_address = '' OR contract_address = ?)", id, contractAddress).
		Updates(map[string]interface{}{
			"contract_address": contractAddress,
			"contract_tx_hash": txHash,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %s already has a different contract address", id)
	}
	return nil
}

func (r *campaignRepo) List(ctx context.Context, limit, offset int) ([]*models.Campaign, error) {
	var out []*models.Campaign
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

type recipientRepo struct{ db *gorm.DB }

func (r *recipientRepo) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Recipient, error) {
	var out []*models.Recipient
	err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

func (r *recipientRepo) NextPending(ctx context.Context, campaignID string, limit int) ([]*models.Recipient, error) {
	var out []*models.Recipient
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.RecipientPending).
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *recipientRepo) ApplyOutcomes(ctx context.Context, campaignID string, successes []uint, failures map[uint]string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(successes) > 0 {
			err := tx.Model(&models.Recipient{}).
				Where("campaign_id = ? AND id IN ?", campaignID, successes).
				Updates(map[string]interface{}{
					"status":     models.RecipientSuccess,
					"last_error": "",
				}).Error
			if err != nil {
				return err
			}
		}
		for id, reason := range failures {
			err := tx.Model(&models.Recipient{}).
				Where("campaign_id = ? AND id = ?", campaignID, id).
				Updates(map[string]interface{}{
					"status":     models.RecipientFailed,
					"last_error": reason,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *recipientRepo) ResetFailed(ctx context.Context, campaignID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.RecipientFailed).
		Updates(map[string]interface{}{
			"status":     models.RecipientPending,
			"last_error": "",
		})
	return res.RowsAffected, res.Error
}

func (r *recipientRepo) CountByStatus(ctx context.Context, campaignID string) (map[models.RecipientStatus]int, error) {
	var rows []struct {
		Status models.RecipientStatus
		N      int
	}
	err := r.db.WithContext(ctx).Model(&models.Recipient{}).
		Select("status, count(*) as n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.RecipientStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

type transactionRepo struct{ db *gorm.DB }

func (r *transactionRepo) Append(ctx context.Context, rec *models.TransactionRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *transactionRepo) ListByCampaign(ctx context.Context, campaignID string, opts storage.ListOptions) ([]*models.TransactionRecord, error) {
	q := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if len(opts.Types) > 0 {
		q = q.Where("type IN ?", opts.Types)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var out []*models.TransactionRecord
	err := q.Order("id asc").Offset(opts.Offset).Find(&out).Error
	return out, err
}
