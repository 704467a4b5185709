package middleware

import (
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/gin-gonic/gin"
)

// RequestCounterMiddleware 请求计数中间件
// 按路由模板和状态码统计管理接口请求
func RequestCounterMiddleware(metrics *stats.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveAdminRequest(c.Request.Method, route, c.Writer.Status())
	}
}
