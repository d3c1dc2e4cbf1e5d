package service

import (
	"context"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/repository"
	"skydump-go/pkg/hash"
	"skydump-go/pkg/log"
	"skydump-go/pkg/token"
)

// RoleAdmin 是管理员的角色名。
const RoleAdmin = "ADMIN"

// adminUserID 是配置文件中唯一管理员账号的固定 ID。
const adminUserID uint = 1

// TokenPair 是登录和刷新接口返回的令牌。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthService 接口定义了管理员认证相关的业务操作。
type AuthService interface {
	Login(ctx context.Context, username, password string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	Logout(ctx context.Context, tokenString string) error
}

type authService struct {
	admin      config.AdminConfig
	jwtManager *token.JWTManager
	blacklist  repository.TokenBlacklist
}

// NewAuthService 创建一个新的 AuthService 实例。
func NewAuthService(admin config.AdminConfig, jwtManager *token.JWTManager, blacklist repository.TokenBlacklist) AuthService {
	return &authService{admin: admin, jwtManager: jwtManager, blacklist: blacklist}
}

// Login 校验配置中的管理员账号，成功后签发令牌。
func (s *authService) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	if username == "" || password == "" {
		return nil, validationError("username and password required")
	}
	// 用户名不匹配时也做一次哈希比较，避免通过耗时区分
	ok := hash.CheckPasswordHash(password, s.admin.PasswordHash)
	if !ok || username != s.admin.Username || s.admin.Username == "" {
		log.Warnf("[Login] 登录失败, username: %s", username)
		return nil, authError("Invalid credentials", nil)
	}
	return s.issue(adminUserID, username, RoleAdmin)
}

// Refresh 用 refresh token 换取一对新令牌，旧 refresh token 随即拉黑。
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, validationError("refreshToken required")
	}
	claims, err := s.jwtManager.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, authError("Invalid or expired refresh token", err)
	}
	blocked, err := s.blacklist.Contains(ctx, refreshToken)
	if err != nil {
		return nil, backendError("Token refresh failed", err)
	}
	if blocked {
		return nil, authError("Invalid or expired refresh token", nil)
	}

	pair, err := s.issue(claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, err
	}
	if err := s.blacklist.Add(ctx, refreshToken, time.Until(claims.ExpiresAt.Time)); err != nil {
		log.Warnf("[Refresh] 拉黑旧 refresh token 失败, error: %v", err)
	}
	return pair, nil
}

// Logout 将 token 加入 Redis 黑名单，直到它自然过期。
func (s *authService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return authError("Invalid or expired token", err)
	}
	if err := s.blacklist.Add(ctx, tokenString, time.Until(claims.ExpiresAt.Time)); err != nil {
		return backendError("Logout failed", err)
	}
	return nil
}

func (s *authService) issue(userID uint, username, role string) (*TokenPair, error) {
	access, err := s.jwtManager.GenerateToken(userID, username, role)
	if err != nil {
		return nil, backendError("Failed to issue token", err)
	}
	refresh, err := s.jwtManager.GenerateRefreshToken(userID, username, role)
	if err != nil {
		return nil, backendError("Failed to issue token", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
