package audit

import (
	"errors"
	"net/http"

	response "audittrail/api/handlers/common"
	"audittrail/internal/event"
	"audittrail/internal/store"

	"github.com/gin-gonic/gin"
)

// ExportHandler 审计记录导出入口
type ExportHandler struct {
	exporter *store.Exporter
}

// NewExportHandler 创建导出处理器
func NewExportHandler(exporter *store.Exporter) *ExportHandler {
	return &ExportHandler{exporter: exporter}
}

// Export 按查询条件导出为 CSV 或 JSON 下载
func (h *ExportHandler) Export(c *gin.Context) {
	var criteria store.Criteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}
	format := store.ExportFormat(c.DefaultQuery("format", "json"))

	result, err := h.exporter.Export(c.Request.Context(), criteria, format)
	if err != nil {
		if errors.Is(err, event.ErrQuery) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "导出失败: " + err.Error()})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+result.Filename)
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
