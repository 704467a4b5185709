package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/generation"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// GenerationHandler 生成接口处理器
// 调用方需自行确定具体的模型名和生成方式
type GenerationHandler struct {
	service *generation.Service
}

// NewGenerationHandler 创建生成接口处理器
func NewGenerationHandler(service *generation.Service) *GenerationHandler {
	return &GenerationHandler{service: service}
}

// ImageGenerationRequest 图片生成请求，images 为 base64 或 data URL
type ImageGenerationRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	Model       string   `json:"model" binding:"required"`
	AspectRatio string   `json:"aspect_ratio"`
	Images      []string `json:"images"`
	Count       int      `json:"count" binding:"omitempty,min=1,max=4"`
}

// VideoGenerationRequest 视频生成请求
type VideoGenerationRequest struct {
	Mode        string   `json:"mode" binding:"required,oneof=text reference start_end start_image"`
	Prompt      string   `json:"prompt" binding:"required"`
	Model       string   `json:"model" binding:"required"`
	AspectRatio string   `json:"aspect_ratio"`
	Images      []string `json:"images"`
}

// VideoStatusRequest 视频状态查询请求
type VideoStatusRequest struct {
	TokenID    uint             `json:"token_id" binding:"required"`
	Operations []flow.Operation `json:"operations" binding:"required,min=1"`
}

// GenerateImage 生成图片
// @Router /api/generate/image [post]
func (h *GenerationHandler) GenerateImage(c *gin.Context) {
	var req ImageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}
	images, err := decodeImages(req.Images)
	if err != nil {
		respondValidationError(c, err)
		return
	}

	out, err := h.service.GenerateImage(c.Request.Context(), generation.ImageParams{
		Prompt:      req.Prompt,
		ModelName:   req.Model,
		AspectRatio: req.AspectRatio,
		Images:      images,
		Count:       req.Count,
	})
	if err != nil {
		h.handleGenerationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token_id":   out.TokenID,
		"project_id": out.ProjectID,
		"seeds":      out.Result.Seeds,
		"result":     out.Result.Raw,
	})
}

// GenerateVideo 提交视频任务
// @Router /api/generate/video [post]
func (h *GenerationHandler) GenerateVideo(c *gin.Context) {
	var req VideoGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}
	images, err := decodeImages(req.Images)
	if err != nil {
		respondValidationError(c, err)
		return
	}

	out, err := h.service.GenerateVideo(c.Request.Context(), generation.VideoParams{
		Mode:        generation.VideoMode(req.Mode),
		Prompt:      req.Prompt,
		ModelKey:    req.Model,
		AspectRatio: req.AspectRatio,
		Images:      images,
	})
	if err != nil {
		h.handleGenerationError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"token_id":          out.TokenID,
		"project_id":        out.ProjectID,
		"operations":        out.Result.Operations,
		"remaining_credits": out.Result.RemainingCredits,
	})
}

// CheckVideoStatus 查询视频任务状态
// @Router /api/generate/video/status [post]
func (h *GenerationHandler) CheckVideoStatus(c *gin.Context) {
	var req VideoStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	result, err := h.service.CheckVideoStatus(c.Request.Context(), req.TokenID, req.Operations)
	if err != nil {
		h.handleGenerationError(c, err)
		return
	}

	done := true
	for _, op := range result.Operations {
		if !op.Done() {
			done = false
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"done":       done,
		"operations": result.Operations,
	})
}

// decodeImages 解码 base64 图片，支持 data URL
func decodeImages(encoded []string) ([][]byte, error) {
	images := make([][]byte, 0, len(encoded))
	for i, s := range encoded {
		if _, data, ok := strings.Cut(s, ";base64,"); ok {
			s = data
		}
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("images[%d]: %w", i, err)
		}
		images = append(images, b)
	}
	return images, nil
}

// handleGenerationError 处理生成相关错误
func (h *GenerationHandler) handleGenerationError(c *gin.Context, err error) {
	var apiErr *flow.APIError
	var transportErr *flow.TransportError

	switch {
	case errors.Is(err, generation.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, balancer.ErrNoAvailableToken), errors.Is(err, generation.ErrTokenUnavailable):
		respondError(c, http.StatusServiceUnavailable, "NO_AVAILABLE_TOKEN", "No available token")
	case errors.Is(err, captcha.ErrBrowserInit):
		respondError(c, http.StatusServiceUnavailable, "CAPTCHA_UNAVAILABLE", err.Error())
	case errors.As(err, &apiErr):
		status := http.StatusBadGateway
		if apiErr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		respondError(c, status, apiErr.StatusText, apiErr.Message)
	case errors.As(err, &transportErr):
		respondError(c, http.StatusGatewayTimeout, "UPSTREAM_UNREACHABLE", transportErr.Error())
	default:
		log.Error().Err(err).Msg("生成请求失败")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
