package relay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"collabClient/backend/internal/authtoken"
)

type refreshReq struct {
	Token string `json:"token"`
}

// RefreshHandler 换发邀请令牌：旧令牌过期没关系，签名有效即可。
// 客户端约定只在 401 后调用一次，这里不做节流。
func RefreshHandler(tokenTTL time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshReq
		if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
			return
		}
		claims, err := authtoken.ParseAllowExpired(req.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invite token signature is invalid"})
			return
		}
		token, expiresAt, err := authtoken.SignInviteToken(
			claims.SessionID, claims.UserID, claims.Username, claims.Owner, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign invite token failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"inviteToken": token,
			"expiresAt":   expiresAt.Unix(),
		})
	}
}
