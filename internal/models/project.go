package models

import "time"

// DefaultToolName 后端项目所属工具
const DefaultToolName = "PINHOLE"

// Project 后端项目
// 每个 Token 首次使用时绑定一个项目，之后不再轮换
type Project struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectID   string    `gorm:"type:varchar(128);not null;index" json:"project_id"`
	TokenID     uint      `gorm:"not null;index" json:"token_id"`
	ProjectName string    `gorm:"type:varchar(255)" json:"project_name"`
	ToolName    string    `gorm:"type:varchar(64);not null;default:'PINHOLE'" json:"tool_name"`
	IsActive    bool      `gorm:"not null" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 指定表名
func (Project) TableName() string {
	return "projects"
}
