package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/skin-api/internal/preprocess"
	"github.com/Brownie44l1/skin-api/internal/report"
	"github.com/Brownie44l1/skin-api/internal/repository"
	"github.com/Brownie44l1/skin-api/internal/usecase"
)

// RequestIDHeader carries the ID under which a prediction was logged.
const RequestIDHeader = "X-Request-ID"

// Classifier is the use case behind the HTTP surface.
type Classifier interface {
	Classify(ctx context.Context, imageB64 string) (string, report.Report, error)
	Result(ctx context.Context, requestID string) (*repository.PredictionLog, error)
}

// PredictionRequest is the body of POST /.
type PredictionRequest struct {
	Image string `json:"image"`
}

type Handler struct {
	classifier   Classifier
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewHandler(classifier Classifier, maxBodyBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		classifier:   classifier,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(enableCORS())
	router.GET("/health", h.Health)
	router.POST("/", h.Predict)
	router.GET("/predictions/:id", h.GetPrediction)
}

func enableCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Header("Access-Control-Expose-Headers", RequestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Predict(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if req.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": preprocess.ErrEmptyImage.Error()})
		return
	}

	requestID, result, err := h.classifier.Classify(c.Request.Context(), req.Image)
	if requestID != "" {
		c.Header(RequestIDHeader, requestID)
	}
	if err != nil {
		switch {
		case errors.Is(err, preprocess.ErrImageTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": preprocess.ErrImageTooLarge.Error()})
		case preprocess.IsInputError(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": inputMessage(err)})
		case errors.Is(err, context.Canceled):
			// The client went away; nothing useful can be written.
			c.Status(499)
		default:
			h.logger.Error("prediction failed", zap.Error(err), zap.String("request_id", requestID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetPrediction(c *gin.Context) {
	requestID := c.Param("id")

	log, err := h.classifier.Result(c.Request.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrHistoryDisabled), errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		default:
			h.logger.Error("result lookup failed", zap.Error(err), zap.String("request_id", requestID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
		}
		return
	}

	var scores report.Report
	if err := scores.UnmarshalJSON([]byte(log.Scores)); err != nil {
		h.logger.Error("stored prediction is malformed", zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":    log.RequestID,
		"model_version": log.ModelVersion,
		"prediction":    scores,
		"cached":        log.Cached,
		"created_at":    log.CreatedAt,
	})
}

// inputMessage returns the client-facing description of an input error
// without internal decoder details.
func inputMessage(err error) string {
	for _, known := range []error{
		preprocess.ErrEmptyImage,
		preprocess.ErrInvalidBase64,
		preprocess.ErrUndecodableImage,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "invalid image"
}
