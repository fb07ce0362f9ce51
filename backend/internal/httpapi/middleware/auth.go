package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"collabClient/backend/internal/authtoken"
)

// AuthMiddleware 校验邀请令牌并把会话/身份信息写入 gin 上下文。
// relay 自己持有签名密钥，本地验签即可，不需要再去调外部鉴权服务。
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := authtoken.ParseInviteToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invite token is expired or invalid",
			})
			return
		}

		c.Set("sessionId", claims.SessionID)
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("owner", claims.Owner)
		c.Next()
	}
}

func extractBearer(h string) string {
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
