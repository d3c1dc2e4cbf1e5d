package handler

import (
	"net/http"

	"skydump-go/internal/middleware"
	"skydump-go/internal/service"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理登录、刷新和登出请求。
type AuthHandler struct {
	authService service.AuthService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login 处理 POST /auth/login。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	pair, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, "Login", err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh 处理 POST /auth/refresh。
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshTokenRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, "Refresh", err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Verify 处理 GET /auth/verify，返回当前 token 中的用户信息。
func (h *AuthHandler) Verify(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"userId":    claims.UserID,
		"username":  claims.Username,
		"role":      claims.Role,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

// Logout 处理 POST /auth/logout。
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), middleware.TokenFrom(c)); err != nil {
		writeError(c, "Logout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
