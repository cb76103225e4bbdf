package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/caries-screen/internal/decision"
	"github.com/example/caries-screen/internal/logging"
	"github.com/example/caries-screen/internal/pipeline"
	"github.com/example/caries-screen/internal/repository"
	"github.com/example/caries-screen/internal/retry"
)

// ErrScreeningFailed is returned for a request whose image was rejected or
// whose inference failed. Nothing was persisted for it.
var ErrScreeningFailed = errors.New("screening failed")

// ScreeningRepository defines the persistence operations needed by the use case.
type ScreeningRepository interface {
	SaveLog(ctx context.Context, log *repository.ScreeningLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScreeningLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ScreeningLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ScreeningUseCase encapsulates business logic for the screening flow.
type ScreeningUseCase struct {
	repo             ScreeningRepository
	cache            Cache
	screener         pipeline.Screener
	logger           *zap.Logger
	modelSource      string
	inferenceTimeout time.Duration
	retryPolicy      retry.Policy
	now              func() time.Time
}

// Option customizes a ScreeningUseCase.
type Option func(*ScreeningUseCase)

// WithInferenceTimeout bounds each pipeline call. Zero disables the bound.
func WithInferenceTimeout(d time.Duration) Option {
	return func(uc *ScreeningUseCase) { uc.inferenceTimeout = d }
}

// WithModelSource records which artifact produced the persisted results.
func WithModelSource(source string) Option {
	return func(uc *ScreeningUseCase) { uc.modelSource = source }
}

// WithRetryPolicy overrides the Redis retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *ScreeningUseCase) { uc.retryPolicy = p }
}

// Screening is the outcome of one successful screening request.
type Screening struct {
	RequestID         string          `json:"request_id"`
	Result            decision.Result `json:"result"`
	ImageFormat       string          `json:"image_format"`
	ImageWidth        int             `json:"image_width"`
	ImageHeight       int             `json:"image_height"`
	SHA1Hash          string          `json:"sha1_hash"`
	ProcessingLatency time.Duration   `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
}

type cachedScreening struct {
	RequestID           string    `json:"request_id"`
	UserID              string    `json:"user_id"`
	RawScore            float32   `json:"raw_score"`
	CariesDetected      bool      `json:"caries_detected"`
	ConfidencePercent   float64   `json:"confidence_percent"`
	ModelSource         string    `json:"model_source"`
	ImageFormat         string    `json:"image_format"`
	ImageWidth          int       `json:"image_width"`
	ImageHeight         int       `json:"image_height"`
	Hash                string    `json:"sha1_hash"`
	ProcessingLatencyMs int64     `json:"processing_latency_ms"`
	CreatedAt           time.Time `json:"created_at"`
}

// DuplicateReport represents earlier screenings of the same image by the same user.
type DuplicateReport struct {
	Request    *repository.ScreeningLog
	Duplicates []*repository.ScreeningLog
}

// NewScreeningUseCase constructs a new use case instance.
func NewScreeningUseCase(repo ScreeningRepository, cache Cache, screener pipeline.Screener, logger *zap.Logger, opts ...Option) *ScreeningUseCase {
	uc := &ScreeningUseCase{
		repo:        repo,
		cache:       cache,
		screener:    screener,
		logger:      logger.Named("screening_usecase"),
		retryPolicy: retry.DefaultPolicy(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Screen decodes an uploaded X-ray, runs the caries pipeline, persists and
// caches the result.
func (uc *ScreeningUseCase) Screen(ctx context.Context, userID string, imageBytes []byte) (*Screening, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.screen", requestID)

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	img, err := pipeline.DecodeBytes(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Warn("image rejected", zap.Error(wrapped))
		uc.markFailed(ctx, requestID, userID)
		return nil, wrapped
	}

	started := uc.now()
	result, err := uc.runPipeline(ctx, img.Image)
	latency := uc.now().Sub(started)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.run_pipeline", requestID, err)
		opLogger.Error("screening failed", zap.Error(wrapped), zap.Duration("latency", latency))
		uc.markFailed(ctx, requestID, userID)
		return nil, wrapped
	}

	hash := sha1.Sum(imageBytes)
	bounds := img.Bounds()
	screening := &Screening{
		RequestID:         requestID,
		Result:            result,
		ImageFormat:       img.Format,
		ImageWidth:        bounds.Dx(),
		ImageHeight:       bounds.Dy(),
		SHA1Hash:          hex.EncodeToString(hash[:]),
		ProcessingLatency: latency,
		CreatedAt:         uc.now().UTC(),
	}

	log := &repository.ScreeningLog{
		RequestID:           requestID,
		UserID:              userID,
		RawScore:            result.RawScore,
		CariesDetected:      result.CariesDetected(),
		ConfidencePercent:   result.ConfidencePercent,
		ModelSource:         uc.modelSource,
		ImageFormat:         screening.ImageFormat,
		ImageWidth:          screening.ImageWidth,
		ImageHeight:         screening.ImageHeight,
		SHA1Hash:            screening.SHA1Hash,
		ProcessingLatencyMs: latency.Milliseconds(),
		CreatedAt:           screening.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist screening log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize screening result", zap.Error(err))
		return nil, err
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache screening result", zap.Error(err))
		return nil, err
	}

	opLogger.Info("screening completed",
		zap.Stringer("decision", result.Decision),
		zap.Float32("raw_score", result.RawScore),
		zap.Duration("latency", latency))
	return screening, nil
}

// markFailed replaces the processing marker so lookups can tell a failed
// request from an unknown one. Errors are logged and otherwise ignored.
func (uc *ScreeningUseCase) markFailed(ctx context.Context, requestID, userID string) {
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.failed", func() error {
		return uc.cache.Set(ctx, resultKey(requestID), failedMarker(userID), failedTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.screen", requestID).
			Warn("failed to record screening failure", zap.Error(err))
	}
}

// runPipeline applies the inference timeout around the whole pipeline call.
// A timed-out call keeps running in the background until the backend returns.
func (uc *ScreeningUseCase) runPipeline(ctx context.Context, img image.Image) (decision.Result, error) {
	if uc.inferenceTimeout <= 0 {
		return uc.screener.Screen(img)
	}

	ctx, cancel := context.WithTimeout(ctx, uc.inferenceTimeout)
	defer cancel()

	type outcome struct {
		result decision.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := uc.screener.Screen(img)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return decision.Result{}, ctx.Err()
	}
}

// GetResult retrieves a cached screening outcome or loads it from persistence.
func (uc *ScreeningUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ScreeningLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && strings.HasPrefix(cached, failedMarkerPrefix):
		if cached != failedMarker(userID) {
			return nil, logging.NewOperationError("usecase.get_result", requestID, repository.ErrNotFound)
		}
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrScreeningFailed)
	case err == nil && cached != processingMarker:
		var payload cachedScreening
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		if payload.UserID != userID {
			return nil, logging.NewOperationError("usecase.get_result", requestID, repository.ErrNotFound)
		}
		return fromCached(payload), nil
	case err != nil && !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetDuplicateReport builds a duplicate detection report for a screening request.
func (uc *ScreeningUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *ScreeningUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.retryPolicy, uc.logger, operation, requestID, fn)
}

func (uc *ScreeningUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func toCached(log *repository.ScreeningLog) cachedScreening {
	return cachedScreening{
		RequestID:           log.RequestID,
		UserID:              log.UserID,
		RawScore:            log.RawScore,
		CariesDetected:      log.CariesDetected,
		ConfidencePercent:   log.ConfidencePercent,
		ModelSource:         log.ModelSource,
		ImageFormat:         log.ImageFormat,
		ImageWidth:          log.ImageWidth,
		ImageHeight:         log.ImageHeight,
		Hash:                log.SHA1Hash,
		ProcessingLatencyMs: log.ProcessingLatencyMs,
		CreatedAt:           log.CreatedAt,
	}
}

func fromCached(c cachedScreening) *repository.ScreeningLog {
	return &repository.ScreeningLog{
		RequestID:           c.RequestID,
		UserID:              c.UserID,
		RawScore:            c.RawScore,
		CariesDetected:      c.CariesDetected,
		ConfidencePercent:   c.ConfidencePercent,
		ModelSource:         c.ModelSource,
		ImageFormat:         c.ImageFormat,
		ImageWidth:          c.ImageWidth,
		ImageHeight:         c.ImageHeight,
		SHA1Hash:            c.Hash,
		ProcessingLatencyMs: c.ProcessingLatencyMs,
		CreatedAt:           c.CreatedAt,
	}
}
