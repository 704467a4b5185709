package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service 事件日志服务
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService 创建事件日志服务实例
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// LogEvent 记录事件，tokenID 为 0 表示与具体凭据无关
func (s *Service) LogEvent(ctx context.Context, tokenID uint, eventType, message, level string, metadata map[string]interface{}) error {
	// 序列化元数据为 JSON
	var metadataJSON string
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("序列化元数据失败: %w", err)
		}
		metadataJSON = string(data)
	}

	event := &models.SystemEvent{
		Type:      eventType,
		TokenID:   tokenID,
		Message:   message,
		Level:     level,
		Metadata:  metadataJSON,
		CreatedAt: s.now(),
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		log.Warn().Err(err).Str("type", eventType).Uint("token_id", tokenID).Msg("保存事件失败")
		return fmt.Errorf("保存事件失败: %w", err)
	}

	return nil
}

// LogInfo 记录信息级别事件
func (s *Service) LogInfo(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(ctx, tokenID, eventType, message, models.EventLevelInfo, metadata)
}

// LogWarning 记录警告级别事件
func (s *Service) LogWarning(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(ctx, tokenID, eventType, message, models.EventLevelWarning, metadata)
}

// LogError 记录错误级别事件
func (s *Service) LogError(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(ctx, tokenID, eventType, message, models.EventLevelError, metadata)
}

// Query 事件查询条件，零值字段不参与过滤
type Query struct {
	Type    string
	Level   string
	TokenID uint
	Limit   int
}

// List 按条件获取最近的事件
func (s *Service) List(ctx context.Context, q Query) ([]models.SystemEvent, error) {
	var events []models.SystemEvent

	tx := s.db.WithContext(ctx).Model(&models.SystemEvent{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Level != "" {
		tx = tx.Where("level = ?", q.Level)
	}
	if q.TokenID != 0 {
		tx = tx.Where("token_id = ?", q.TokenID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	err := tx.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}

	return events, nil
}

// GetRecentEvents 获取最近的事件
func (s *Service) GetRecentEvents(ctx context.Context, limit int) ([]models.SystemEvent, error) {
	return s.List(ctx, Query{Limit: limit})
}

// CleanupOldEvents 清理旧事件（保留最近N天）
func (s *Service) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	cutoffTime := s.now().AddDate(0, 0, -days)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoffTime).Delete(&models.SystemEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理旧事件失败: %w", result.Error)
	}

	return result.RowsAffected, nil
}
