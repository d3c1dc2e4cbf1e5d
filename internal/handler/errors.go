// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strings"

	"skydump-go/internal/middleware"
	"skydump-go/internal/service"
	"skydump-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// writeError 把 service 层错误转换为 {"error": "..."} 响应。
// 非 *service.Error 的错误只记录日志，客户端只看到通用信息。
func writeError(c *gin.Context, op string, err error) {
	var se *service.Error
	if errors.As(err, &se) {
		if se.Kind == service.KindBackend {
			log.Errorw(op+" failed", "path", c.Request.URL.Path, "error", err)
		}
		c.JSON(se.HTTPStatus(), gin.H{"error": se.Message})
		return
	}
	log.Errorw(op+" failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// requestOrigin 返回拼接下载链接使用的站点地址，优先使用配置的 public_url。
func requestOrigin(c *gin.Context, publicURL string) string {
	if publicURL != "" {
		return strings.TrimRight(publicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

// uploaderInfo 汇总当前请求的上传者信息，匿名请求的 UserID 为 0。
func uploaderInfo(c *gin.Context, publicURL string) service.UploaderInfo {
	who := service.UploaderInfo{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Origin:    requestOrigin(c, publicURL),
	}
	if claims, ok := middleware.ClaimsFrom(c); ok {
		who.UserID = claims.UserID
		who.Username = claims.Username
	}
	return who
}
