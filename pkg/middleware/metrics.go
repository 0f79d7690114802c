package middleware

import (
	"strconv"
	"time"

	"github.com/dhawalhost/dirsync/pkg/observability"
	"github.com/gin-gonic/gin"
)

// Metrics records request count and latency per route template.
func Metrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		metrics.RequestsTotal.WithLabelValues(code, c.Request.Method, path).Inc()
		metrics.RequestDuration.WithLabelValues(code, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
