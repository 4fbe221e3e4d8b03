package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lab-assistant/pkg"
)

const requestIDKey = "request_id"

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(requestIDKey, requestID)
		c.Next()
	}
}

// loggingMiddleware writes one structured entry per request.
func loggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields["session_id"] = id
		}
		entry := logger.WithFields(fields)
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last().Err)
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorBody(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorBody(c, status, code, message)
}

func classify(err error) (int, string) {
	var (
		decodeErr   *pkg.DecodeError
		parseErr    *pkg.ParseError
		genErr      *pkg.GenerationError
		tooLargeErr *pkg.UploadTooLargeError
	)
	switch {
	case errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge, pkg.CodeTooLarge
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, pkg.CodeDecode
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, pkg.CodeParse
	case errors.Is(err, pkg.ErrEmptyQuestion),
		errors.Is(err, pkg.ErrUnsupportedLanguage),
		errors.Is(err, pkg.ErrInvalidInput):
		return http.StatusBadRequest, pkg.CodeInvalid
	case errors.Is(err, pkg.ErrSessionNotFound):
		return http.StatusNotFound, pkg.CodeNotFound
	case errors.Is(err, pkg.ErrNoPatientRecord):
		return http.StatusConflict, pkg.CodeNoRecord
	case errors.Is(err, pkg.ErrNoReport):
		return http.StatusConflict, pkg.CodeNoReport
	case errors.As(err, &genErr):
		return http.StatusBadGateway, pkg.CodeGeneration
	default:
		return http.StatusInternalServerError, pkg.CodeInternal
	}
}
