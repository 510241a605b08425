// Package history persists resolved classification requests and serves
// them back by request id, with a short-lived Redis copy in front of the
// database.
package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Persisted request statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("history: prediction not found")

// PredictionLog represents a persisted classification request.
type PredictionLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Viewer         string    `gorm:"column:viewer;size:128;index"`
	Domain         string    `gorm:"column:domain;size:32;index"`
	FileName       string    `gorm:"column:file_name;size:255"`
	SHA1Hash       string    `gorm:"column:sha1_hash;size:40;index"`
	Status         string    `gorm:"column:status;size:16"`
	PredictedClass string    `gorm:"column:predicted_class;size:128"`
	Confidence     float64   `gorm:"column:confidence"`
	Result         string    `gorm:"column:result;type:text"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	Message        string    `gorm:"column:message;type:text"`
	LatencyMs      float64   `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// DomainAggregation is the raw per-domain rollup of persisted logs.
type DomainAggregation struct {
	Domain            string
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// Repository provides persistence APIs for prediction logs.
type Repository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	policy := defaultRetryPolicy()
	return &Repository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  policy.attempts,
		initialBackoff: policy.initialBackoff,
		maxBackoff:     policy.maxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry.
func (r *Repository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log of requestID owned by viewer.
func (r *Repository) FindByRequestID(ctx context.Context, requestID, viewer string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND viewer = ?", requestID, viewer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics rolls the persisted logs up per domain.
func (r *Repository) AggregateMetrics(ctx context.Context) ([]DomainAggregation, error) {
	var rows []DomainAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select(
				"domain, COUNT(*) AS total_count, "+
					"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS success_count, "+
					"COALESCE(AVG(CASE WHEN status = ? THEN confidence END), 0) AS average_confidence, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
				StatusSuccess, StatusSuccess,
			).
			Group("domain").
			Order("domain").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return withRetry(ctx, r.logger, retryPolicy{
		attempts:       r.retryAttempts,
		initialBackoff: r.initialBackoff,
		maxBackoff:     r.maxBackoff,
	}, operation, requestID, fn)
}
