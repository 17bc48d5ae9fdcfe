// Package middleware provides HTTP middleware for the pglock admin facade.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PayloadLimit returns a middleware that rejects request bodies larger than
// maxBytes with a 413. The kill endpoints only ever receive small PID lists,
// so anything larger is a client error.
func PayloadLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logger.Warn().
				Str("clientIp", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Int64("attemptedSize", c.Request.ContentLength).
				Int64("maxBytes", maxBytes).
				Msg("oversized request rejected")
			respondTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if errors.As(ginErr.Err, &maxBytesErr) {
				c.Errors = c.Errors[:0]
				respondTooLarge(c, maxBytes)
				return
			}
		}
	}
}

func respondTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"error":    "payloadTooLarge",
		"maxBytes": maxBytes,
	})
}
