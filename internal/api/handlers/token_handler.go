package handlers

import (
	"errors"
	"net/http"

	"github.com/Mieluoxxx/Flow2API/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SlotReleaser 删除 Token 时释放其选择状态
type SlotReleaser interface {
	Forget(tokenID uint)
}

// TokenHandler Token HTTP 处理器
type TokenHandler struct {
	manager *token.Manager
	slots   SlotReleaser
}

// NewTokenHandler 创建 TokenHandler 实例，slots 可以为 nil
func NewTokenHandler(manager *token.Manager, slots SlotReleaser) *TokenHandler {
	return &TokenHandler{manager: manager, slots: slots}
}

// SyncRequest ST 同步请求
type SyncRequest struct {
	SessionToken string `json:"st" binding:"required"`
}

// CreateToken 添加 Token
// @Summary 添加 Token
// @Tags tokens
// @Accept json
// @Produce json
// @Param token body token.AddTokenRequest true "Token 信息"
// @Success 201 {object} token.TokenDTO
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/tokens [post]
func (h *TokenHandler) CreateToken(c *gin.Context) {
	var req token.AddTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	tok, err := h.manager.AddToken(c.Request.Context(), req)
	if err != nil {
		h.handleTokenError(c, err)
		return
	}

	c.JSON(http.StatusCreated, token.ToTokenDTO(tok, nil))
}

// ListTokens 获取 Token 列表
// @Summary 获取 Token 列表
// @Tags tokens
// @Produce json
// @Success 200 {array} token.TokenDTO
// @Router /api/tokens [get]
func (h *TokenHandler) ListTokens(c *gin.Context) {
	ctx := c.Request.Context()
	tokens, err := h.manager.ListTokens(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to retrieve tokens")
		return
	}

	dtos := make([]*token.TokenDTO, len(tokens))
	for i, tok := range tokens {
		tokenStats, err := h.manager.GetTokenStats(ctx, tok.ID)
		if err != nil {
			tokenStats = nil
		}
		dtos[i] = token.ToTokenDTO(tok, tokenStats)
	}

	c.JSON(http.StatusOK, dtos)
}

// GetToken 获取单个 Token，包含统计和项目列表
// @Summary 获取单个 Token 详情
// @Tags tokens
// @Produce json
// @Param id path int true "Token ID"
// @Success 200 {object} token.TokenDTO
// @Failure 404 {object} ErrorResponse
// @Router /api/tokens/{id} [get]
func (h *TokenHandler) GetToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	tok, err := h.manager.GetToken(ctx, id)
	if err != nil {
		h.handleTokenError(c, err)
		return
	}
	tokenStats, err := h.manager.GetTokenStats(ctx, id)
	if err != nil {
		tokenStats = nil
	}

	dto := token.ToTokenDTO(tok, tokenStats)
	projects, err := h.manager.GetProjects(ctx, id)
	if err != nil {
		log.Warn().Err(err).Uint("token_id", id).Msg("查询项目失败")
	}
	dto.Projects = projects

	c.JSON(http.StatusOK, dto)
}

// UpdateToken 部分更新 Token
// @Summary 更新 Token
// @Tags tokens
// @Accept json
// @Produce json
// @Param id path int true "Token ID"
// @Success 200 {object} token.TokenDTO
// @Router /api/tokens/{id} [put]
func (h *TokenHandler) UpdateToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req token.UpdateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.manager.UpdateToken(ctx, id, req); err != nil {
		h.handleTokenError(c, err)
		return
	}

	tok, err := h.manager.GetToken(ctx, id)
	if err != nil {
		h.handleTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, token.ToTokenDTO(tok, nil))
}

// DeleteToken 删除 Token
// @Summary 删除 Token
// @Tags tokens
// @Param id path int true "Token ID"
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Router /api/tokens/{id} [delete]
func (h *TokenHandler) DeleteToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.manager.DeleteToken(c.Request.Context(), id); err != nil {
		h.handleTokenError(c, err)
		return
	}
	if h.slots != nil {
		h.slots.Forget(id)
	}

	c.Status(http.StatusNoContent)
}

// SyncToken 根据 ST 同步 Token
// @Summary 同步 ST
// @Tags tokens
// @Accept json
// @Produce json
// @Success 200 {object} token.SyncResult
// @Router /api/tokens/sync [post]
func (h *TokenHandler) SyncToken(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	result, err := h.manager.SyncFromSessionToken(c.Request.Context(), req.SessionToken)
	if err != nil {
		h.handleTokenError(c, err)
		return
	}

	status := http.StatusOK
	if result.Action == token.SyncCreated {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// RefreshCredits 刷新余额
// @Summary 刷新余额
// @Tags tokens
// @Param id path int true "Token ID"
// @Router /api/tokens/{id}/refresh-credits [post]
func (h *TokenHandler) RefreshCredits(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.manager.GetToken(ctx, id); err != nil {
		h.handleTokenError(c, err)
		return
	}

	credits := h.manager.RefreshCredits(ctx, id)
	c.JSON(http.StatusOK, gin.H{"id": id, "credits": credits})
}

// RefreshAccessToken 强制刷新 AT，即使当前 AT 尚未临近过期
// @Summary 刷新 AT，失败时 Token 会被禁用
// @Tags tokens
// @Param id path int true "Token ID"
// @Router /api/tokens/{id}/refresh-at [post]
func (h *TokenHandler) RefreshAccessToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.manager.GetToken(ctx, id); err != nil {
		h.handleTokenError(c, err)
		return
	}

	if !h.manager.ForceRefreshAccessToken(ctx, id) {
		respondError(c, http.StatusBadGateway, "REFRESH_FAILED", "Failed to refresh access token, token disabled")
		return
	}

	tok, err := h.manager.GetToken(ctx, id)
	if err != nil {
		h.handleTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, token.ToTokenDTO(tok, nil))
}

// EnableToken 启用 Token
// @Router /api/tokens/{id}/enable [post]
func (h *TokenHandler) EnableToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.manager.EnableToken(c.Request.Context(), id); err != nil {
		h.handleTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": true})
}

// DisableToken 禁用 Token
// @Router /api/tokens/{id}/disable [post]
func (h *TokenHandler) DisableToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.manager.DisableToken(c.Request.Context(), id); err != nil {
		h.handleTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": false})
}

// UnbanRateLimited 立即执行一次 429 自动解禁
// @Router /api/tokens/unban [post]
func (h *TokenHandler) UnbanRateLimited(c *gin.Context) {
	ids, err := h.manager.AutoUnbanRateLimited(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("自动解禁失败")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unban tokens")
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	c.JSON(http.StatusOK, gin.H{"unbanned": ids})
}

// handleTokenError 处理 Token 相关错误
func (h *TokenHandler) handleTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, token.ErrCredentialNotFound):
		respondError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "Token not found")
	case errors.Is(err, token.ErrDuplicateCredential):
		respondError(c, http.StatusConflict, "TOKEN_CONFLICT", "Session token already registered")
	case errors.Is(err, token.ErrInvalidCredential):
		respondError(c, http.StatusBadRequest, "INVALID_SESSION_TOKEN", "Session token rejected by upstream")
	case errors.Is(err, token.ErrProjectCreationFailed):
		respondError(c, http.StatusBadGateway, "PROJECT_CREATION_FAILED", "Failed to create project")
	default:
		log.Error().Err(err).Msg("Token 操作失败")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
