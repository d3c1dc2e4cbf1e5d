package handler

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"skydump-go/internal/service"
	"skydump-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DownloadHandler 负责文件下载。
type DownloadHandler struct {
	downloadService service.DownloadService
}

// NewDownloadHandler 创建一个新的 DownloadHandler 实例。
func NewDownloadHandler(downloadService service.DownloadService) *DownloadHandler {
	return &DownloadHandler{downloadService: downloadService}
}

// Download 处理 GET /download/:fileId，以附件形式流式返回文件内容。
func (h *DownloadHandler) Download(c *gin.Context) {
	dl, err := h.downloadService.Open(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		writeError(c, "Download", err)
		return
	}
	defer dl.Body.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", dl.ContentType)
	header.Set("Content-Disposition", contentDisposition(dl.FileName))
	header.Set("Cache-Control", "private, max-age=3600")
	if dl.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, dl.Body); err != nil {
		// 响应头已经发出，只能记录日志
		log.Warnf("[Download] 传输中断, fileId: %s, error: %v", c.Param("fileId"), err)
	}
}

// contentDisposition 同时给出转义后的 filename 和 RFC 5987 的 filename*，
// 支持 filename* 的浏览器会显示原始文件名。
func contentDisposition(name string) string {
	encoded := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, url.PathEscape(name), encoded)
}
