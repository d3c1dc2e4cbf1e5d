// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"skydump-go/internal/repository"
	"skydump-go/pkg/log"
	"skydump-go/pkg/token"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "claims"
	tokenKey  = "token"
)

// ClaimsFrom 取出 AuthMiddleware 或 OptionalAuth 存入上下文的 claims。
func ClaimsFrom(c *gin.Context) (*token.CustomClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.CustomClaims)
	return claims, ok
}

// TokenFrom 取出当前请求携带的原始 token。
func TokenFrom(c *gin.Context) string {
	return c.GetString(tokenKey)
}

// bearerToken 从 Authorization 头中提取 token。
// websocket 握手无法自定义请求头，此时允许使用 token 查询参数。
func bearerToken(c *gin.Context) string {
	const bearerPrefix = "Bearer "
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	}
	if authHeader == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("token")
	}
	return ""
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// token 缺失、无效或已在黑名单中时返回 401。
func AuthMiddleware(jwtManager *token.JWTManager, blacklist repository.TokenBlacklist) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		blocked, err := blacklist.Contains(c.Request.Context(), tokenString)
		if err != nil {
			log.Errorf("[Auth] 查询 token 黑名单失败: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if blocked {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(tokenKey, tokenString)
		c.Next()
	}
}

// OptionalAuth 在携带有效 token 时附加 claims，否则按匿名请求继续。
func OptionalAuth(jwtManager *token.JWTManager, blacklist repository.TokenBlacklist) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.Next()
			return
		}
		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.Next()
			return
		}
		if blocked, err := blacklist.Contains(c.Request.Context(), tokenString); err != nil || blocked {
			c.Next()
			return
		}
		c.Set(claimsKey, claims)
		c.Set(tokenKey, tokenString)
		c.Next()
	}
}
