package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

// flexibleID auth 服务返回的 userId 可能是数字也可能是字符串
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(strconv.FormatUint(n, 10))
	return nil
}

type VerifyClaims struct {
	UserID   flexibleID `json:"userId"`
	Username string     `json:"username"`
	Type     string     `json:"type"` // "access"
}

// Select 按配置选择鉴权方式：本地验签 > 调用 auth 服务 > 开发模式
func Select(jwtSecret, authBaseURL string) gin.HandlerFunc {
	switch {
	case jwtSecret != "":
		return JWTMiddleware(jwtSecret)
	case authBaseURL != "":
		return AuthMiddleware(authBaseURL)
	default:
		log.Printf("auth: no jwt secret or auth path configured, running in dev mode")
		return DevMiddleware()
	}
}

// AuthMiddleware authBaseURL 不要带路径，例如 http://localhost:3001，这里拼上 /v1/auth/verify
func AuthMiddleware(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}

	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			abortUnauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1200*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 包含超时：context deadline exceeded
			log.Printf("auth verify error: %v", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify failed",
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			abortUnauthenticated(c, msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify non-200",
			})
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "invalid verify response",
			})
			return
		}
		if claims.Type != "" && claims.Type != TokenTypeAccess {
			abortUnauthenticated(c, "access token required")
			return
		}

		c.Set("userId", string(claims.UserID))
		c.Set("username", claims.Username)
		c.Next()
	}
}

// JWTMiddleware 与 auth 服务共享密钥时直接在本地验签
func JWTMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			abortUnauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := ParseToken(key, tokenString)
		if err != nil {
			abortUnauthenticated(c, err.Error())
			return
		}
		if claims.Type != TokenTypeAccess {
			abortUnauthenticated(c, "access token required")
			return
		}
		c.Set("userId", claims.Subject)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// DevMiddleware 不校验身份：X-User-Id 头或 ?user_id=，都没有时随机生成
func DevMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			userID = uuid.NewString()
		}
		username := c.Query("username")
		if username == "" {
			username = userID
		}
		c.Set("userId", userID)
		c.Set("username", username)
		c.Next()
	}
}

func tokenFrom(c *gin.Context) string {
	tokenString := extractBearer(c.Request.Header.Get("Authorization"))
	if tokenString == "" {
		// 兼容 WebSocket：允许从 query ?token= 中获取
		tokenString = strings.TrimSpace(c.Query("token"))
	}
	return tokenString
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHENTICATED",
		"message": msg,
	})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
