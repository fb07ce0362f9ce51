package authtoken

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 邀请令牌：承载会话与身份信息的 HS256 JWT。
// 通道以它作为 Bearer 凭证建立连接，过期后通过 refresh 接口换新。

type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"sub"`
	Username  string `json:"username"`
	Owner     bool   `json:"owner,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

func getSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

// SignInviteToken 签发一枚邀请令牌。
func SignInviteToken(sessionID, userID, username string, owner bool, ttl time.Duration) (string, time.Time, error) {
	claims := &Claims{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		Owner:     owner,
		Type:      "invite",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(ttl), nil
}

// ParseInviteToken 校验并解析令牌。
func ParseInviteToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ParseAllowExpired 验签但允许过期，refresh 接口用：
// 过期的令牌只要签名没问题就可以换新。
func ParseAllowExpired(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// PeekSessionID 不验签地取出 sessionId，仅用于日志与提示。
// 真正的校验在 relay 侧做。
func PeekSessionID(tokenString string) string {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claims.SessionID
}
