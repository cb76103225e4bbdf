package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/caries-screen/internal/retry"
)

// ErrNotFound is returned when no screening matches the lookup.
var ErrNotFound = gorm.ErrRecordNotFound

// ScreeningLog represents one persisted screening request.
type ScreeningLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID              string    `gorm:"column:user_id;size:64;index:idx_user_hash"`
	RawScore            float32   `gorm:"column:raw_score"`
	CariesDetected      bool      `gorm:"column:caries_detected"`
	ConfidencePercent   float64   `gorm:"column:confidence_percent"`
	ModelSource         string    `gorm:"column:model_source;size:255"`
	ImageFormat         string    `gorm:"column:image_format;size:16"`
	ImageWidth          int       `gorm:"column:image_width"`
	ImageHeight         int       `gorm:"column:image_height"`
	SHA1Hash            string    `gorm:"column:sha1_hash;size:40;index:idx_user_hash"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ScreeningLog) TableName() string {
	return "screening_logs"
}

// MetricsAggregation is the raw aggregate over all screening logs.
type MetricsAggregation struct {
	TotalCount                 int64
	CariesCount                int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}

// ScreeningRepository provides persistence APIs for screening logs.
type ScreeningRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScreeningRepository creates a new repository instance.
func NewScreeningRepository(db *gorm.DB, logger *zap.Logger) *ScreeningRepository {
	policy := retry.DefaultPolicy()
	return &ScreeningRepository{
		db:             db,
		logger:         logger.Named("screening_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScreeningRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ScreeningLog{})
	})
}

// SaveLog persists a screening log entry.
func (r *ScreeningRepository) SaveLog(ctx context.Context, log *ScreeningLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a screening log matching the request and owner.
func (r *ScreeningRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ScreeningLog, error) {
	var log ScreeningLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other screenings of the same image, newest first.
func (r *ScreeningRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*ScreeningLog, error) {
	var logs []*ScreeningLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals and averages over every screening.
func (r *ScreeningRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ScreeningLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN caries_detected THEN 1 ELSE 0 END), 0) AS caries_count, " +
				"COALESCE(AVG(raw_score), 0) AS average_score, " +
				"COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ScreeningRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, requestID, fn)
}
