package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
	"github.com/example/dactylo/internal/prediction"
)

const cacheTTL = 5 * time.Minute

// Store defines the persistence operations needed by the service.
type Store interface {
	SaveLog(ctx context.Context, log *PredictionLog) error
	FindByRequestID(ctx context.Context, requestID, viewer string) (*PredictionLog, error)
	AggregateMetrics(ctx context.Context) ([]DomainAggregation, error)
}

// Entry is a resolved request as served back to its viewer.
type Entry struct {
	RequestID string             `json:"request_id"`
	Viewer    string             `json:"viewer"`
	Domain    prediction.Domain  `json:"domain"`
	FileName  string             `json:"file_name"`
	SHA1Hash  string             `json:"sha1_hash"`
	Status    string             `json:"status"`
	Result    *prediction.Result `json:"result,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	LatencyMs float64            `json:"latency_ms"`
	CreatedAt time.Time          `json:"created_at"`
}

// Service records outcomes and reads them back, cache first.
type Service struct {
	repo           Store
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewService constructs a new history service.
func NewService(repo Store, cache Cache, logger *zap.Logger) *Service {
	policy := defaultRetryPolicy()
	return &Service{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("history_service"),
		retryAttempts:  policy.attempts,
		initialBackoff: policy.initialBackoff,
		maxBackoff:     policy.maxBackoff,
	}
}

// Record persists outcome and caches it for quick lookups.
func (s *Service) Record(ctx context.Context, outcome prediction.Outcome) error {
	opLogger := logging.WithOperation(s.logger, "history.record", outcome.RequestID)

	entry := entryFromOutcome(outcome)
	log, err := entry.toLog()
	if err != nil {
		opLogger.Error("failed to serialize prediction result", zap.Error(err))
		return logging.NewOperationError("history.record", outcome.RequestID, err)
	}
	if err := s.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("history.save_log", outcome.RequestID, err)
		opLogger.Error("failed to persist prediction log", zap.Error(wrapped))
		return wrapped
	}

	serialized, err := json.Marshal(entry)
	if err != nil {
		opLogger.Error("failed to serialize prediction entry", zap.Error(err))
		return err
	}
	if err := s.withRedisRetry(ctx, outcome.RequestID, "cache.set.prediction", func() error {
		return s.cache.Set(ctx, cacheKey(outcome.RequestID), string(serialized), cacheTTL)
	}); err != nil {
		opLogger.Error("failed to cache prediction entry", zap.Error(err))
		return err
	}
	return nil
}

// GetOutcome returns the entry of requestID if viewer owns it.
func (s *Service) GetOutcome(ctx context.Context, viewer, requestID string) (*Entry, error) {
	opLogger := logging.WithOperation(s.logger, "history.get_outcome", requestID)

	var cached string
	err := s.withRedisRetry(ctx, requestID, "cache.get.prediction", func() error {
		value, err := s.cache.Get(ctx, cacheKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		var entry Entry
		if err := json.Unmarshal([]byte(cached), &entry); err != nil {
			opLogger.Warn("failed to decode cached entry", zap.Error(err))
		} else if entry.Viewer != viewer {
			return nil, ErrNotFound
		} else {
			return &entry, nil
		}
	case !isMiss(err):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := s.repo.FindByRequestID(ctx, requestID, viewer)
	if err != nil {
		return nil, err
	}
	return entryFromLog(log)
}

func (s *Service) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return withRetry(ctx, s.logger, retryPolicy{
		attempts:       s.retryAttempts,
		initialBackoff: s.initialBackoff,
		maxBackoff:     s.maxBackoff,
	}, operation, requestID, fn)
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

func entryFromOutcome(o prediction.Outcome) Entry {
	entry := Entry{
		RequestID: o.RequestID,
		Viewer:    o.Viewer,
		Domain:    o.Domain,
		FileName:  o.FileName,
		SHA1Hash:  o.FileSHA1,
		LatencyMs: float64(o.Latency) / float64(time.Millisecond),
		CreatedAt: o.CompletedAt,
	}
	if o.Succeeded() {
		entry.Status = StatusSuccess
		entry.Result = o.Result
	} else {
		entry.Status = StatusFailed
		if o.Err != nil {
			entry.ErrorKind = o.Err.Kind.String()
			entry.Message = o.Err.Message
		}
	}
	return entry
}

func (e Entry) toLog() (*PredictionLog, error) {
	log := &PredictionLog{
		RequestID: e.RequestID,
		Viewer:    e.Viewer,
		Domain:    string(e.Domain),
		FileName:  e.FileName,
		SHA1Hash:  e.SHA1Hash,
		Status:    e.Status,
		ErrorKind: e.ErrorKind,
		Message:   e.Message,
		LatencyMs: e.LatencyMs,
		CreatedAt: e.CreatedAt,
	}
	if e.Result != nil {
		raw, err := json.Marshal(e.Result)
		if err != nil {
			return nil, err
		}
		log.Result = string(raw)
		log.PredictedClass = e.Result.PredictedClass
		log.Confidence = e.Result.Confidence
	}
	return log, nil
}

func entryFromLog(log *PredictionLog) (*Entry, error) {
	if log == nil {
		return nil, ErrNotFound
	}
	entry := &Entry{
		RequestID: log.RequestID,
		Viewer:    log.Viewer,
		Domain:    prediction.Domain(log.Domain),
		FileName:  log.FileName,
		SHA1Hash:  log.SHA1Hash,
		Status:    log.Status,
		ErrorKind: log.ErrorKind,
		Message:   log.Message,
		LatencyMs: log.LatencyMs,
		CreatedAt: log.CreatedAt,
	}
	if log.Result != "" {
		result, err := prediction.ParseResult([]byte(log.Result))
		if err != nil {
			return nil, fmt.Errorf("stored result of %s is unreadable: %w", log.RequestID, err)
		}
		entry.Result = result
	}
	return entry, nil
}
