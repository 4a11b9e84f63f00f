package server

import (
	"net/http"
	"time"

	"magicer/domain"
	"magicer/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// requestID accepts a UUID from the client or mints a new one, and echoes
// it back.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := domain.ParseRequestID(c.GetHeader(requestIDHeader))
		if err != nil {
			id = domain.NewRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id.String())
		c.Next()
	}
}

func currentRequestID(c *gin.Context) domain.RequestID {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(domain.RequestID); ok {
			return id
		}
	}
	return domain.RequestID{}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		entry := logger.WithFields(map[string]any{
			"request_id": currentRequestID(c).String(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request")
		case status >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// limitConcurrency rejects requests beyond n in flight with 503.
func limitConcurrency(n int) gin.HandlerFunc {
	if n <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	slots := make(chan struct{}, n)
	return func(c *gin.Context) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			c.Next()
		default:
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusServiceUnavailable, "server is at capacity")
		}
	}
}

func limitRate(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
