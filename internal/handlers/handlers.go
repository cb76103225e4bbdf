package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/caries-screen/internal/auth"
	"github.com/example/caries-screen/internal/classifier"
	"github.com/example/caries-screen/internal/decision"
	"github.com/example/caries-screen/internal/guidance"
	"github.com/example/caries-screen/internal/logging"
	"github.com/example/caries-screen/internal/pipeline"
	"github.com/example/caries-screen/internal/repository"
	"github.com/example/caries-screen/internal/usecase"
)

// MaxUploadSize caps the accepted X-ray size.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the file part.
const multipartOverhead = 1 << 20

var allowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
}

// ScreeningService is the use-case surface the routes depend on.
type ScreeningService interface {
	Screen(ctx context.Context, userID string, imageBytes []byte) (*usecase.Screening, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.ScreeningLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc ScreeningService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/guidance", func(c *gin.Context) {
		detected, err := strconv.ParseBool(c.Query("caries_detected"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "caries_detected must be true or false"})
			return
		}
		c.JSON(http.StatusOK, guidance.For(detected))
	})

	authorized := router.Group("/", authMiddleware)

	authorized.POST("/screenings", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
		if !allowedContentTypes[contentType] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only PNG and JPEG images are supported"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		screening, err := svc.Screen(c.Request.Context(), userID, data)
		if err != nil {
			writeScreenError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":         screening.RequestID,
			"decision":           screening.Result.Decision,
			"caries_detected":    screening.Result.CariesDetected(),
			"raw_score":          screening.Result.RawScore,
			"confidence_percent": screening.Result.ConfidencePercent,
			"confidence":         screening.Result.ConfidenceLabel(),
			"image_format":       screening.ImageFormat,
			"image_width":        screening.ImageWidth,
			"image_height":       screening.ImageHeight,
			"sha1_hash":          screening.SHA1Hash,
			"processing_ms":      screening.ProcessingLatency.Milliseconds(),
			"created_at":         screening.CreatedAt,
		})
	})

	authorized.GET("/screenings/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		log, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, logResponse(log))
	})

	authorized.GET("/screenings/:id/duplicates", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		report, err := svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, logResponse(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    logResponse(report.Request),
			"duplicates": duplicates,
		})
	})

	authorized.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func writeScreenError(c *gin.Context, err error) {
	var inferErr *classifier.InferenceError
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": logging.Cause(err).Error()})
	case errors.As(err, &inferErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": inferErr.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "screening timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if errors.Is(err, usecase.ErrScreeningFailed) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "screening failed; submit the image again"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}

func logResponse(log *repository.ScreeningLog) gin.H {
	d := decision.NoCariesDetected
	if log.CariesDetected {
		d = decision.CariesDetected
	}
	return gin.H{
		"request_id":         log.RequestID,
		"user_id":            log.UserID,
		"decision":           d,
		"caries_detected":    log.CariesDetected,
		"raw_score":          log.RawScore,
		"confidence_percent": log.ConfidencePercent,
		"image_format":       log.ImageFormat,
		"sha1_hash":          log.SHA1Hash,
		"processing_ms":      log.ProcessingLatencyMs,
		"created_at":         log.CreatedAt,
	}
}
