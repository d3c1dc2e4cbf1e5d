package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"skydump-go/internal/config"
	"skydump-go/internal/service"
	"skydump-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理所有与文件上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
	cfg           config.UploadConfig
	publicURL     string
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, cfg config.UploadConfig, publicURL string) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, cfg: cfg, publicURL: publicURL}
}

// bindOptionalJSON 解析 JSON 请求体，空请求体视为零值，由 service 层做字段校验。
func bindOptionalJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		log.Warnf("无效的请求负载, path: %s, error: %v", c.Request.URL.Path, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return false
	}
	return true
}

// DirectUpload 处理 POST /upload，请求体即文件内容，文件名放在 x-file-name 头中。
func (h *UploadHandler) DirectUpload(c *gin.Context) {
	fileName := c.GetHeader("x-file-name")
	if decoded, err := url.PathUnescape(fileName); err == nil {
		fileName = decoded
	}

	body := c.Request.Body
	if h.cfg.MaxDirectBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.cfg.MaxDirectBytes)
	}
	res, err := h.uploadService.DirectUpload(c.Request.Context(), service.DirectUploadRequest{
		FileName:    fileName,
		ContentType: c.ContentType(),
		Body:        body,
		Size:        c.Request.ContentLength,
	}, uploaderInfo(c, h.publicURL))
	if err != nil {
		writeError(c, "DirectUpload", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// InitMultipart 处理 POST /upload/multipart。
func (h *UploadHandler) InitMultipart(c *gin.Context) {
	var req service.InitMultipartRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.uploadService.InitMultipart(c.Request.Context(), req, uploaderInfo(c, h.publicURL))
	if err != nil {
		writeError(c, "InitMultipart", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UploadPart 处理 PUT /upload/part?fileId=&partNumber=，请求体即分片内容。
func (h *UploadHandler) UploadPart(c *gin.Context) {
	fileID := c.Query("fileId")
	partStr := c.Query("partNumber")
	if fileID == "" || partStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId and partNumber required"})
		return
	}
	partNumber, err := strconv.Atoi(partStr)
	if err != nil || partNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partNumber must be between 1 and 10000"})
		return
	}

	body := c.Request.Body
	if h.cfg.MaxPartBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.cfg.MaxPartBytes)
	}
	res, err := h.uploadService.UploadPart(c.Request.Context(), fileID, partNumber, body, c.Request.ContentLength)
	if err != nil {
		writeError(c, "UploadPart", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type fileIDRequest struct {
	FileID string `json:"fileId"`
}

// Complete 处理 POST /upload/complete。
func (h *UploadHandler) Complete(c *gin.Context) {
	var req fileIDRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.uploadService.Complete(c.Request.Context(), req.FileID, uploaderInfo(c, h.publicURL))
	if err != nil {
		writeError(c, "Complete", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListParts 处理 GET /upload/multipart/:fileId/parts。
func (h *UploadHandler) ListParts(c *gin.Context) {
	res, err := h.uploadService.ListParts(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		writeError(c, "ListParts", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Abort 处理 DELETE /upload/multipart/:fileId。
func (h *UploadHandler) Abort(c *gin.Context) {
	fileID := c.Param("fileId")
	if err := h.uploadService.Abort(c.Request.Context(), fileID); err != nil {
		writeError(c, "Abort", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileId": fileID, "aborted": true})
}

// ReportFailure 处理 POST /upload/failed。
func (h *UploadHandler) ReportFailure(c *gin.Context) {
	var req service.FailureReport
	if !bindOptionalJSON(c, &req) {
		return
	}
	if err := h.uploadService.ReportFailure(c.Request.Context(), req, uploaderInfo(c, h.publicURL)); err != nil {
		writeError(c, "ReportFailure", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
