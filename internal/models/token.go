package models

import "time"

// BanReason 凭据禁用原因
type BanReason string

const (
	// BanReasonNone 未禁用或手动禁用
	BanReasonNone BanReason = ""
	// BanReasonRateLimited 因 429 限流被禁用，可自动解禁
	BanReasonRateLimited BanReason = "rate_limited"
	// BanReasonOther 其他原因，需要人工解禁
	BanReasonOther BanReason = "other"
)

// UnlimitedConcurrency 并发上限为 -1 表示不限制
const UnlimitedConcurrency = -1

// Token 会话凭据
// 由长期有效的 Session Token 换取短期 Access Token，用于调用生成接口
type Token struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// SessionToken 配置了加密密钥时以密文存储
	SessionToken     string `gorm:"type:text;not null" json:"-"`
	SessionTokenHash string `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`

	AccessToken       string     `gorm:"type:text" json:"-"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`

	Email       string `gorm:"type:varchar(255);index" json:"email"`
	DisplayName string `gorm:"type:varchar(255)" json:"display_name"`
	Remark      string `gorm:"type:text" json:"remark"`

	IsActive  bool       `gorm:"not null;index" json:"is_active"`
	BanReason BanReason  `gorm:"type:varchar(32);not null;default:''" json:"ban_reason"`
	BannedAt  *time.Time `json:"banned_at,omitempty"`

	Credits     int    `gorm:"not null;default:0" json:"credits"`
	PaygateTier string `gorm:"type:varchar(64)" json:"paygate_tier"`

	CurrentProjectID   string `gorm:"type:varchar(128)" json:"current_project_id"`
	CurrentProjectName string `gorm:"type:varchar(255)" json:"current_project_name"`

	ImageEnabled     bool `gorm:"not null" json:"image_enabled"`
	VideoEnabled     bool `gorm:"not null" json:"video_enabled"`
	ImageConcurrency int  `gorm:"not null" json:"image_concurrency"` // -1 不限制
	VideoConcurrency int  `gorm:"not null" json:"video_concurrency"` // -1 不限制

	UseCount   int64      `gorm:"not null;default:0" json:"use_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Token) TableName() string {
	return "tokens"
}

// IsAccessTokenExpired AT 是否已过期（没有过期时间视为未过期）
func (t *Token) IsAccessTokenExpired(now time.Time) bool {
	if t.AccessTokenExpiry == nil {
		return false
	}
	return !t.AccessTokenExpiry.After(now)
}

// IsRateLimitBanned 是否处于 429 禁用状态
func (t *Token) IsRateLimitBanned() bool {
	return !t.IsActive && t.BanReason == BanReasonRateLimited
}

// Token 字段列名，供 Repository.UpdateToken 的部分更新使用
const (
	ColSessionToken       = "session_token"
	ColAccessToken        = "access_token"
	ColAccessTokenExpiry  = "access_token_expiry"
	ColEmail              = "email"
	ColDisplayName        = "display_name"
	ColRemark             = "remark"
	ColIsActive           = "is_active"
	ColBanReason          = "ban_reason"
	ColBannedAt           = "banned_at"
	ColCredits            = "credits"
	ColPaygateTier        = "paygate_tier"
	ColCurrentProjectID   = "current_project_id"
	ColCurrentProjectName = "current_project_name"
	ColImageEnabled       = "image_enabled"
	ColVideoEnabled       = "video_enabled"
	ColImageConcurrency   = "image_concurrency"
	ColVideoConcurrency   = "video_concurrency"
)
