package token

import (
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/logging"
	"github.com/Mieluoxxx/Flow2API/internal/models"
)

// AddTokenRequest 添加 Token 请求
type AddTokenRequest struct {
	SessionToken     string `json:"st" binding:"required"`
	ProjectID        string `json:"project_id"`
	ProjectName      string `json:"project_name" binding:"max=255"`
	Remark           string `json:"remark" binding:"max=500"`
	ImageEnabled     *bool  `json:"image_enabled"`
	VideoEnabled     *bool  `json:"video_enabled"`
	ImageConcurrency *int   `json:"image_concurrency" binding:"omitempty,min=-1"`
	VideoConcurrency *int   `json:"video_concurrency" binding:"omitempty,min=-1"`
}

// UpdateTokenRequest 更新 Token 请求，nil 字段不修改
type UpdateTokenRequest struct {
	SessionToken      *string    `json:"st"`
	AccessToken       *string    `json:"at"`
	AccessTokenExpiry *time.Time `json:"at_expires"`
	ProjectID         *string    `json:"project_id"`
	ProjectName       *string    `json:"project_name" binding:"omitempty,max=255"`
	Remark            *string    `json:"remark" binding:"omitempty,max=500"`
	ImageEnabled      *bool      `json:"image_enabled"`
	VideoEnabled      *bool      `json:"video_enabled"`
	ImageConcurrency  *int       `json:"image_concurrency" binding:"omitempty,min=-1"`
	VideoConcurrency  *int       `json:"video_concurrency" binding:"omitempty,min=-1"`
}

// fields 转换为列名到值的映射
func (r *UpdateTokenRequest) fields() map[string]interface{} {
	fields := make(map[string]interface{})
	if r.SessionToken != nil {
		fields[models.ColSessionToken] = *r.SessionToken
	}
	if r.AccessToken != nil {
		fields[models.ColAccessToken] = *r.AccessToken
	}
	if r.AccessTokenExpiry != nil {
		fields[models.ColAccessTokenExpiry] = r.AccessTokenExpiry.UTC()
	}
	if r.ProjectID != nil {
		fields[models.ColCurrentProjectID] = *r.ProjectID
	}
	if r.ProjectName != nil {
		fields[models.ColCurrentProjectName] = *r.ProjectName
	}
	if r.Remark != nil {
		fields[models.ColRemark] = *r.Remark
	}
	if r.ImageEnabled != nil {
		fields[models.ColImageEnabled] = *r.ImageEnabled
	}
	if r.VideoEnabled != nil {
		fields[models.ColVideoEnabled] = *r.VideoEnabled
	}
	if r.ImageConcurrency != nil {
		fields[models.ColImageConcurrency] = *r.ImageConcurrency
	}
	if r.VideoConcurrency != nil {
		fields[models.ColVideoConcurrency] = *r.VideoConcurrency
	}
	return fields
}

// SyncAction 同步结果类型
type SyncAction string

const (
	SyncCreated SyncAction = "created"
	SyncUpdated SyncAction = "updated"
)

// SyncResult ST 同步结果
type SyncResult struct {
	Action SyncAction `json:"action"`
	ID     uint       `json:"id"`
	Email  string     `json:"email"`
}

// TokenDTO Token 数据传输对象，凭据只返回脱敏值
type TokenDTO struct {
	ID                 uint               `json:"id"`
	Email              string             `json:"email"`
	DisplayName        string             `json:"name"`
	Remark             string             `json:"remark"`
	SessionTokenMasked string             `json:"st_display"`
	AccessTokenMasked  string             `json:"at_display,omitempty"`
	AccessTokenExpiry  *time.Time         `json:"at_expires,omitempty"`
	IsActive           bool               `json:"is_active"`
	BanReason          models.BanReason   `json:"ban_reason,omitempty"`
	BannedAt           *time.Time         `json:"banned_at,omitempty"`
	Credits            int                `json:"credits"`
	PaygateTier        string             `json:"user_paygate_tier,omitempty"`
	ProjectID          string             `json:"current_project_id,omitempty"`
	ProjectName        string             `json:"current_project_name,omitempty"`
	ImageEnabled       bool               `json:"image_enabled"`
	VideoEnabled       bool               `json:"video_enabled"`
	ImageConcurrency   int                `json:"image_concurrency"`
	VideoConcurrency   int                `json:"video_concurrency"`
	UseCount           int64              `json:"use_count"`
	LastUsedAt         *time.Time         `json:"last_used_at,omitempty"`
	Stats              *models.TokenStats `json:"stats,omitempty"`
	Projects           []models.Project   `json:"projects,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ToTokenDTO 将 Token 模型转换为 DTO
func ToTokenDTO(token *models.Token, stats *models.TokenStats) *TokenDTO {
	dto := &TokenDTO{
		ID:                 token.ID,
		Email:              token.Email,
		DisplayName:        token.DisplayName,
		Remark:             token.Remark,
		SessionTokenMasked: logging.Mask(token.SessionToken),
		AccessTokenExpiry:  token.AccessTokenExpiry,
		IsActive:           token.IsActive,
		BanReason:          token.BanReason,
		BannedAt:           token.BannedAt,
		Credits:            token.Credits,
		PaygateTier:        token.PaygateTier,
		ProjectID:          token.CurrentProjectID,
		ProjectName:        token.CurrentProjectName,
		ImageEnabled:       token.ImageEnabled,
		VideoEnabled:       token.VideoEnabled,
		ImageConcurrency:   token.ImageConcurrency,
		VideoConcurrency:   token.VideoConcurrency,
		UseCount:           token.UseCount,
		LastUsedAt:         token.LastUsedAt,
		Stats:              stats,
		CreatedAt:          token.CreatedAt,
		UpdatedAt:          token.UpdatedAt,
	}
	if token.AccessToken != "" {
		dto.AccessTokenMasked = logging.Mask(token.AccessToken)
	}
	return dto
}
