package handlers

import (
	"net/http"

	"github.com/Mieluoxxx/Flow2API/internal/events"
	"github.com/gin-gonic/gin"
)

// EventHandler 系统事件处理器
type EventHandler struct {
	service *events.Service
}

// NewEventHandler 创建事件处理器
func NewEventHandler(service *events.Service) *EventHandler {
	return &EventHandler{service: service}
}

// EventQuery 事件查询参数
type EventQuery struct {
	Type    string `form:"type"`
	Level   string `form:"level" binding:"omitempty,oneof=info warning error"`
	TokenID uint   `form:"token_id"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ListEvents 查询系统事件
// @Summary 查询系统事件
// @Tags events
// @Produce json
// @Success 200 {array} Event
// @Router /api/events [get]
func (h *EventHandler) ListEvents(c *gin.Context) {
	var q EventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondValidationError(c, err)
		return
	}

	records, err := h.service.List(c.Request.Context(), events.Query{
		Type:    q.Type,
		Level:   q.Level,
		TokenID: q.TokenID,
		Limit:   q.Limit,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to retrieve events")
		return
	}

	c.JSON(http.StatusOK, toEvents(records))
}
