package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"forge-admin/pkg/constants"
)

var corsAllowHeaders = strings.Join([]string{
	"Origin",
	"Content-Type",
	"Accept",
	constants.HeaderAuthorization,
}, ", ")

// CORSMiddleware 管理后台前端与 API 分开部署时使用
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
