package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/observability"
)

// Metrics instruments HTTP request counts/latency when metrics are enabled.
// Progress streams stay open for the life of a session, so they are counted
// under a fixed "stream" status instead of skewing the latency histogram.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		took := time.Since(start)
		if strings.HasSuffix(route, "/events") {
			status, took = "stream", 0
		}
		m.ObserveAPI(c.Request.Method, route, status, took)
	}
}
