package models

import "time"

// SystemEvent 系统事件日志
// 记录凭据池的状态变化：禁用、解禁、刷新失败等
type SystemEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"type:varchar(50);not null;index" json:"type"`
	TokenID   uint      `gorm:"index" json:"token_id,omitempty"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Level     string    `gorm:"type:varchar(20);not null;default:'info'" json:"level"` // info, warning, error
	Metadata  string    `gorm:"type:json" json:"metadata,omitempty"`                   // JSON 格式
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (SystemEvent) TableName() string {
	return "system_events"
}

// EventType 事件类型常量
const (
	EventTypeTokenAdded     = "token_added"
	EventTypeTokenSynced    = "token_synced"
	EventTypeRefreshFailed  = "refresh_failed"
	EventTypeRateLimitBan   = "rate_limit_ban"
	EventTypeErrorBan       = "error_ban"
	EventTypeAutoUnban      = "auto_unban"
	EventTypeProjectBinding = "project_binding"
	EventTypeTokenEnabled   = "token_enabled"
	EventTypeTokenDisabled  = "token_disabled"
	EventTypeTokenDeleted   = "token_deleted"
)

// EventLevel 事件级别常量
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)
