package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Mieluoxxx/Flow2API/internal/logging"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ConfigStore 单行配置的读写
type ConfigStore interface {
	GetAdminConfig(ctx context.Context) (*models.AdminConfig, error)
	UpdateAdminConfig(ctx context.Context, threshold int) error
	GetCaptchaConfig(ctx context.Context) (*models.CaptchaConfig, error)
	UpdateCaptchaConfig(ctx context.Context, fields map[string]interface{}) error
}

// BrowserResetter 验证码配置变化后释放已启动的浏览器
type BrowserResetter interface {
	Close() error
}

// ConfigHandler 运行时配置处理器
type ConfigHandler struct {
	store   ConfigStore
	browser BrowserResetter
}

// NewConfigHandler 创建配置处理器，browser 可以为 nil
func NewConfigHandler(store ConfigStore, browser BrowserResetter) *ConfigHandler {
	return &ConfigHandler{store: store, browser: browser}
}

// AdminConfigRequest 管理配置更新请求
type AdminConfigRequest struct {
	ErrorBanThreshold int `json:"error_ban_threshold" binding:"required,min=1"`
}

// CaptchaConfigRequest 验证码配置更新请求，nil 字段不修改
type CaptchaConfigRequest struct {
	Method              *string `json:"method" binding:"omitempty,oneof=yescaptcha browser scraping_browser"`
	SolverAPIKey        *string `json:"solver_api_key"`
	SolverBaseURL       *string `json:"solver_base_url" binding:"omitempty,url"`
	ScrapingBrowserURL  *string `json:"scraping_browser_url"`
	BrowserProxyEnabled *bool   `json:"browser_proxy_enabled"`
	BrowserProxyURL     *string `json:"browser_proxy_url"`
}

// CaptchaConfigDTO 验证码配置，密钥脱敏
type CaptchaConfigDTO struct {
	Method              models.CaptchaMethod `json:"method"`
	SolverAPIKey        string               `json:"solver_api_key,omitempty"`
	SolverBaseURL       string               `json:"solver_base_url"`
	ScrapingBrowserURL  string               `json:"scraping_browser_url,omitempty"`
	BrowserProxyEnabled bool                 `json:"browser_proxy_enabled"`
	BrowserProxyURL     string               `json:"browser_proxy_url"`
}

func toCaptchaDTO(cfg *models.CaptchaConfig) CaptchaConfigDTO {
	dto := CaptchaConfigDTO{
		Method:              cfg.Method,
		SolverBaseURL:       cfg.SolverBaseURL,
		BrowserProxyEnabled: cfg.BrowserProxyEnabled,
		BrowserProxyURL:     cfg.BrowserProxyURL,
	}
	if cfg.SolverAPIKey != "" {
		dto.SolverAPIKey = logging.Mask(cfg.SolverAPIKey)
	}
	if cfg.ScrapingBrowserURL != "" {
		dto.ScrapingBrowserURL = logging.Mask(cfg.ScrapingBrowserURL)
	}
	return dto
}

// GetConfig 获取运行时配置
// @Summary 获取运行时配置
// @Tags config
// @Produce json
// @Router /api/config [get]
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	ctx := c.Request.Context()
	admin, err := h.store.GetAdminConfig(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load admin config")
		return
	}
	captchaCfg, err := h.store.GetCaptchaConfig(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load captcha config")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error_ban_threshold": admin.ErrorBanThreshold,
		"captcha":             toCaptchaDTO(captchaCfg),
	})
}

// UpdateAdminConfig 更新连续错误禁用阈值
// @Router /api/config/admin [put]
func (h *ConfigHandler) UpdateAdminConfig(c *gin.Context) {
	var req AdminConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	if err := h.store.UpdateAdminConfig(c.Request.Context(), req.ErrorBanThreshold); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update admin config")
		return
	}
	log.Info().Int("error_ban_threshold", req.ErrorBanThreshold).Msg("已更新禁用阈值")
	c.JSON(http.StatusOK, gin.H{"error_ban_threshold": req.ErrorBanThreshold})
}

// UpdateCaptchaConfig 更新验证码配置
// 浏览器代理在保存前校验，之后已启动的浏览器会被关闭以便按新配置重新启动
// @Router /api/config/captcha [put]
func (h *ConfigHandler) UpdateCaptchaConfig(c *gin.Context) {
	var req CaptchaConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	// 1. 校验代理
	if req.BrowserProxyURL != nil {
		if err := proxy.ValidateBrowserProxyURL(*req.BrowserProxyURL); err != nil {
			code := "INVALID_PROXY_URL"
			if errors.Is(err, proxy.ErrSocks5Auth) {
				code = "SOCKS5_AUTH_UNSUPPORTED"
			}
			respondError(c, http.StatusBadRequest, code, err.Error())
			return
		}
	}

	// 2. 保存
	fields := make(map[string]interface{})
	if req.Method != nil {
		fields["method"] = *req.Method
	}
	if req.SolverAPIKey != nil {
		fields["solver_api_key"] = *req.SolverAPIKey
	}
	if req.SolverBaseURL != nil {
		fields["solver_base_url"] = *req.SolverBaseURL
	}
	if req.ScrapingBrowserURL != nil {
		fields["scraping_browser_url"] = *req.ScrapingBrowserURL
	}
	if req.BrowserProxyEnabled != nil {
		fields["browser_proxy_enabled"] = *req.BrowserProxyEnabled
	}
	if req.BrowserProxyURL != nil {
		fields["browser_proxy_url"] = *req.BrowserProxyURL
	}

	ctx := c.Request.Context()
	if err := h.store.UpdateCaptchaConfig(ctx, fields); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update captcha config")
		return
	}

	// 3. 释放旧浏览器
	if h.browser != nil && len(fields) > 0 {
		if err := h.browser.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭浏览器失败")
		}
	}

	cfg, err := h.store.GetCaptchaConfig(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load captcha config")
		return
	}
	c.JSON(http.StatusOK, toCaptchaDTO(cfg))
}
