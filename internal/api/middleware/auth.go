package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"forge-admin/internal/dto"
	"forge-admin/internal/pkg/jwt"
	"forge-admin/pkg/constants"
	"forge-admin/pkg/responses"
)

// AuthMiddleware JWT认证中间件, 通过后 context 中有 user_id 和 user
func AuthMiddleware(tokens *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		if authHeader == "" {
			responses.ErrorWithCode(c, responses.CodeUnauthorized, "缺少Authorization Header")
			c.Abort()
			return
		}

		// 检查Bearer前缀
		if !strings.HasPrefix(authHeader, constants.HeaderBearerPrefix) {
			responses.ErrorWithCode(c, responses.CodeUnauthorized, "Authorization格式错误")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, constants.HeaderBearerPrefix))

		// 必须是AccessToken
		claims, err := tokens.ValidateToken(token, constants.JWTTypeAccess)
		if err != nil {
			responses.Error(c, err)
			c.Abort()
			return
		}

		id := claims.Identity()
		c.Set(constants.ContextKeyUser, &dto.UserInfo{
			UserID:      id.UserID,
			Username:    id.Username,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			AuthType:    id.AuthType,
		})
		c.Set(constants.ContextKeyUserID, id.UserID)

		c.Next()
	}
}

// CurrentUserID 认证中间件写入的用户ID
func CurrentUserID(c *gin.Context) (string, bool) {
	id := c.GetString(constants.ContextKeyUserID)
	return id, id != ""
}
