package handlers

import (
	"net/http"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/events"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/token"
	"github.com/gin-gonic/gin"
)

// StatsHandler 统计信息处理器
type StatsHandler struct {
	manager      *token.Manager
	selector     *balancer.Selector
	eventService *events.Service
}

// NewStatsHandler 创建统计处理器，selector 可以为 nil
func NewStatsHandler(manager *token.Manager, selector *balancer.Selector, eventService *events.Service) *StatsHandler {
	return &StatsHandler{
		manager:      manager,
		selector:     selector,
		eventService: eventService,
	}
}

// SystemStats 系统统计信息响应
type SystemStats struct {
	Tokens       PoolStats                `json:"tokens"`
	Selections   *balancer.SelectionStats `json:"selections,omitempty"`
	RecentEvents []Event                  `json:"recent_events"`
}

// PoolStats Token 池统计
type PoolStats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	RateLimited int `json:"rate_limited"`
	Disabled    int `json:"disabled"`
	Credits     int `json:"credits"`
}

// Event 事件日志
type Event struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	TokenID   uint   `json:"token_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// GetStats 获取系统统计信息
// @Summary 获取系统统计信息
// @Description Token 池状态、选择统计和最近事件
// @Tags Stats
// @Produce json
// @Success 200 {object} SystemStats
// @Router /api/stats [get]
func (h *StatsHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	tokens, err := h.manager.ListTokens(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to retrieve tokens")
		return
	}

	var pool PoolStats
	for _, tok := range tokens {
		pool.Total++
		switch {
		case tok.IsActive:
			pool.Active++
			pool.Credits += tok.Credits
		case tok.BanReason == models.BanReasonRateLimited:
			pool.RateLimited++
		default:
			pool.Disabled++
		}
	}

	// 获取最近事件（最多 10 条）
	recentEvents := make([]Event, 0, 10)
	if recent, err := h.eventService.GetRecentEvents(ctx, 10); err == nil {
		recentEvents = toEvents(recent)
	}

	result := SystemStats{Tokens: pool, RecentEvents: recentEvents}
	if h.selector != nil {
		selections := h.selector.GetStats()
		result.Selections = &selections
	}

	c.JSON(http.StatusOK, result)
}

func toEvents(records []models.SystemEvent) []Event {
	out := make([]Event, 0, len(records))
	for _, evt := range records {
		out = append(out, Event{
			Timestamp: evt.CreatedAt.Format(time.RFC3339),
			Type:      evt.Type,
			TokenID:   evt.TokenID,
			Level:     evt.Level,
			Message:   evt.Message,
		})
	}
	return out
}
