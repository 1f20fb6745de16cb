package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/skin-api/internal/cache"
	"github.com/Brownie44l1/skin-api/internal/logging"
	"github.com/Brownie44l1/skin-api/internal/preprocess"
	"github.com/Brownie44l1/skin-api/internal/report"
	"github.com/Brownie44l1/skin-api/internal/repository"
)

// ErrHistoryDisabled is returned by Result when no prediction log is configured.
var ErrHistoryDisabled = errors.New("prediction history is disabled")

// Predictor runs the forward pass over a preprocessed image.
type Predictor interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
}

// ClassifyUseCase runs one image through decode, inference and formatting.
// The cache and repository are optional.
type ClassifyUseCase struct {
	predictor    Predictor
	pre          *preprocess.Preprocessor
	cache        cache.Cache
	repo         PredictionRepository
	modelVersion string
	cacheTTL     time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// Options carries the optional collaborators of ClassifyUseCase.
type Options struct {
	Cache        cache.Cache
	CacheTTL     time.Duration
	Repository   PredictionRepository
	ModelVersion string
}

// NewClassifyUseCase constructs a new use case instance.
func NewClassifyUseCase(predictor Predictor, pre *preprocess.Preprocessor, opts Options, logger *zap.Logger) *ClassifyUseCase {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ClassifyUseCase{
		predictor:    predictor,
		pre:          pre,
		cache:        opts.Cache,
		repo:         opts.Repository,
		modelVersion: opts.ModelVersion,
		cacheTTL:     ttl,
		logger:       logger.Named("classify_usecase"),
		now:          time.Now,
	}
}

// Classify decodes a base64 image and returns the request ID with the
// formatted prediction. Input problems come back as preprocess errors.
func (uc *ClassifyUseCase) Classify(ctx context.Context, imageB64 string) (string, report.Report, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	start := uc.now()

	raw, err := preprocess.DecodeBase64(imageB64)
	if err != nil {
		opLogger.Info("rejected image", zap.Error(err))
		return requestID, report.Report{}, logging.NewOperationError("preprocess.decode_base64", requestID, err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	rep, cached := uc.lookup(ctx, opLogger, digest)
	if !cached {
		rep, err = uc.predict(ctx, opLogger, requestID, raw)
		if err != nil {
			return requestID, report.Report{}, err
		}
		uc.store(ctx, opLogger, digest, rep)
	}

	latency := uc.now().Sub(start)
	opLogger.Info("classified image",
		zap.String("inference", rep.Inference),
		zap.Bool("cached", cached),
		zap.Duration("latency", latency),
	)
	uc.record(ctx, opLogger, requestID, digest, rep, cached, latency)
	return requestID, rep, nil
}

func (uc *ClassifyUseCase) predict(ctx context.Context, opLogger *zap.Logger, requestID string, raw []byte) (report.Report, error) {
	img, err := uc.pre.DecodeImage(raw)
	if err != nil {
		opLogger.Info("rejected image", zap.Error(err))
		return report.Report{}, logging.NewOperationError("preprocess.decode_image", requestID, err)
	}
	input := preprocess.Tensor(img, uc.pre.Size)

	probs, err := uc.predictor.Predict(ctx, input)
	if err != nil {
		wrapped := logging.NewOperationError("model.predict", requestID, err)
		opLogger.Error("forward pass failed", zap.Error(wrapped))
		return report.Report{}, wrapped
	}

	rep, err := report.Format(probs)
	if err != nil {
		wrapped := logging.NewOperationError("report.format", requestID, err)
		opLogger.Error("failed to format prediction", zap.Error(wrapped))
		return report.Report{}, wrapped
	}
	return rep, nil
}

func (uc *ClassifyUseCase) lookup(ctx context.Context, opLogger *zap.Logger, digest string) (report.Report, bool) {
	if uc.cache == nil {
		return report.Report{}, false
	}
	data, err := uc.cache.Get(ctx, cache.Key(uc.modelVersion, digest))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			opLogger.Warn("cache lookup failed", zap.Error(err))
		}
		return report.Report{}, false
	}
	var rep report.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		opLogger.Warn("discarding malformed cache entry", zap.Error(err))
		return report.Report{}, false
	}
	return rep, true
}

func (uc *ClassifyUseCase) store(ctx context.Context, opLogger *zap.Logger, digest string, rep report.Report) {
	if uc.cache == nil {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.cache.Set(ctx, cache.Key(uc.modelVersion, digest), data, uc.cacheTTL); err != nil {
		opLogger.Warn("cache store failed", zap.Error(err))
	}
}

func (uc *ClassifyUseCase) record(ctx context.Context, opLogger *zap.Logger, requestID, digest string, rep report.Report, cached bool, latency time.Duration) {
	if uc.repo == nil {
		return
	}
	scores, err := json.Marshal(rep)
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	log := &repository.PredictionLog{
		RequestID:    requestID,
		ImageSHA256:  digest,
		ModelVersion: uc.modelVersion,
		Inference:    rep.Inference,
		Scores:       string(scores),
		Cached:       cached,
		LatencyMs:    float64(latency) / float64(time.Millisecond),
		CreatedAt:    uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist prediction log",
			zap.Error(logging.NewOperationError("repository.save_log", requestID, err)))
	}
}

// Result returns the prediction stored for requestID.
func (uc *ClassifyUseCase) Result(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return log, nil
}
