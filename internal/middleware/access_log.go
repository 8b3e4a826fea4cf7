package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// AccessLog writes one line per request.
func AccessLog(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("api: %s %s %d %s request_id=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond), c.GetString(RequestIDKey))
	}
}
