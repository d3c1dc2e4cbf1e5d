package handler

import (
	"net/http"

	"skydump-go/internal/service"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
	publicURL    string
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService, publicURL string) *AdminHandler {
	return &AdminHandler{adminService: adminService, publicURL: publicURL}
}

// ListUploads 处理 GET /admin/uploads?limit=&offset=&status=。
func (h *AdminHandler) ListUploads(c *gin.Context) {
	q, err := service.ParseUploadListQuery(c.Query("limit"), c.Query("offset"), c.Query("status"))
	if err != nil {
		writeError(c, "ListUploads", err)
		return
	}
	res, err := h.adminService.ListUploads(c.Request.Context(), q, requestOrigin(c, h.publicURL))
	if err != nil {
		writeError(c, "ListUploads", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SearchUploads 处理 GET /admin/uploads/search?q=&limit=&offset=。
func (h *AdminHandler) SearchUploads(c *gin.Context) {
	q, err := service.ParseUploadListQuery(c.Query("limit"), c.Query("offset"), "")
	if err != nil {
		writeError(c, "SearchUploads", err)
		return
	}
	res, err := h.adminService.SearchUploads(c.Request.Context(), c.Query("q"), q, requestOrigin(c, h.publicURL))
	if err != nil {
		writeError(c, "SearchUploads", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
