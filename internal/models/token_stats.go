package models

import "time"

// StatKind 统计类型
type StatKind string

const (
	StatImage StatKind = "image"
	StatVideo StatKind = "video"
	StatError StatKind = "error"
)

// TokenStats Token 使用与错误统计
// ConsecutiveErrorCount 在成功时清零，其余计数只增不减
type TokenStats struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	TokenID               uint      `gorm:"not null;uniqueIndex" json:"token_id"`
	ImageCount            int64     `gorm:"not null;default:0" json:"image_count"`
	VideoCount            int64     `gorm:"not null;default:0" json:"video_count"`
	ErrorCount            int64     `gorm:"not null;default:0" json:"error_count"`
	ConsecutiveErrorCount int       `gorm:"not null;default:0" json:"consecutive_error_count"`
	TodayDate             string    `gorm:"type:varchar(10)" json:"today_date"` // 2006-01-02
	TodayImageCount       int64     `gorm:"not null;default:0" json:"today_image_count"`
	TodayVideoCount       int64     `gorm:"not null;default:0" json:"today_video_count"`
	TodayErrorCount       int64     `gorm:"not null;default:0" json:"today_error_count"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// TableName 指定表名
func (TokenStats) TableName() string {
	return "token_stats"
}
