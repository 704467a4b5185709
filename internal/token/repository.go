package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/crypto"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"gorm.io/gorm"
)

// Store 凭据存储
type Store interface {
	GetToken(ctx context.Context, id uint) (*models.Token, error)
	GetAllTokens(ctx context.Context) ([]*models.Token, error)
	GetActiveTokens(ctx context.Context) ([]*models.Token, error)
	GetTokenByST(ctx context.Context, st string) (*models.Token, error)
	AddToken(ctx context.Context, token *models.Token) error
	UpdateToken(ctx context.Context, id uint, fields map[string]interface{}) error
	DeleteToken(ctx context.Context, id uint) error
	TouchToken(ctx context.Context, id uint, at time.Time) error

	AddProject(ctx context.Context, project *models.Project) error
	GetProjects(ctx context.Context, tokenID uint) ([]models.Project, error)

	IncrementTokenStats(ctx context.Context, id uint, kind models.StatKind) error
	ResetErrorCount(ctx context.Context, id uint) error
	GetTokenStats(ctx context.Context, id uint) (*models.TokenStats, error)

	GetAdminConfig(ctx context.Context) (*models.AdminConfig, error)
	GetCaptchaConfig(ctx context.Context) (*models.CaptchaConfig, error)
}

const dayLayout = "2006-01-02"

// Repository 凭据数据访问层
// SessionToken 写入前加密，读出后解密；查找使用指纹列
type Repository struct {
	db     *gorm.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewRepository 创建 Repository 实例，sealer 为 nil 时明文存储
func NewRepository(db *gorm.DB, sealer *crypto.Sealer) *Repository {
	return &Repository{db: db, sealer: sealer, now: time.Now}
}

// open 解密 SessionToken
func (r *Repository) open(token *models.Token) error {
	st, err := r.sealer.Open(token.SessionToken)
	if err != nil {
		return fmt.Errorf("解密 token %d 失败: %w", token.ID, err)
	}
	token.SessionToken = st
	return nil
}

func (r *Repository) openAll(tokens []*models.Token) ([]*models.Token, error) {
	for _, t := range tokens {
		if err := r.open(t); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

// GetToken 根据 ID 查找 Token
func (r *Repository) GetToken(ctx context.Context, id uint) (*models.Token, error) {
	var token models.Token
	err := r.db.WithContext(ctx).First(&token, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	if err := r.open(&token); err != nil {
		return nil, err
	}
	return &token, nil
}

// GetAllTokens 查找所有 Token
func (r *Repository) GetAllTokens(ctx context.Context) ([]*models.Token, error) {
	var tokens []*models.Token
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return r.openAll(tokens)
}

// GetActiveTokens 查找所有启用的 Token
func (r *Repository) GetActiveTokens(ctx context.Context) ([]*models.Token, error) {
	var tokens []*models.Token
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return r.openAll(tokens)
}

// GetTokenByST 根据 ST 查找 Token
func (r *Repository) GetTokenByST(ctx context.Context, st string) (*models.Token, error) {
	var token models.Token
	err := r.db.WithContext(ctx).Where("session_token_hash = ?", crypto.Fingerprint(st)).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	if err := r.open(&token); err != nil {
		return nil, err
	}
	return &token, nil
}

// AddToken 创建 Token 及其统计记录
// token.SessionToken 为明文，写入后回填 ID 和时间戳
func (r *Repository) AddToken(ctx context.Context, token *models.Token) error {
	sealed, err := r.sealer.Seal(token.SessionToken)
	if err != nil {
		return fmt.Errorf("加密 ST 失败: %w", err)
	}

	row := *token
	row.SessionToken = sealed
	row.SessionTokenHash = crypto.Fingerprint(token.SessionToken)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		stats := &models.TokenStats{TokenID: row.ID, TodayDate: r.now().Format(dayLayout)}
		return tx.Create(stats).Error
	})
	if err != nil {
		return err
	}

	token.ID = row.ID
	token.SessionTokenHash = row.SessionTokenHash
	token.CreatedAt = row.CreatedAt
	token.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdateToken 部分更新 Token，fields 的 key 为列名（models.Col*）
// 包含 session_token 时会重新加密并更新指纹
func (r *Repository) UpdateToken(ctx context.Context, id uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	if v, ok := updates[models.ColSessionToken]; ok {
		st, _ := v.(string)
		sealed, err := r.sealer.Seal(st)
		if err != nil {
			return fmt.Errorf("加密 ST 失败: %w", err)
		}
		updates[models.ColSessionToken] = sealed
		updates["session_token_hash"] = crypto.Fingerprint(st)
	}

	result := r.db.WithContext(ctx).Model(&models.Token{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// DeleteToken 删除 Token 及其统计和项目记录
func (r *Repository) DeleteToken(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_id = ?", id).Delete(&models.TokenStats{}).Error; err != nil {
			return err
		}
		if err := tx.Where("token_id = ?", id).Delete(&models.Project{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Token{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCredentialNotFound
		}
		return nil
	})
}

// TouchToken 使用次数加一并记录最后使用时间
func (r *Repository) TouchToken(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Token{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"use_count":    gorm.Expr("use_count + ?", 1),
		"last_used_at": at,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// AddProject 保存项目记录
func (r *Repository) AddProject(ctx context.Context, project *models.Project) error {
	if project.ToolName == "" {
		project.ToolName = models.DefaultToolName
	}
	return r.db.WithContext(ctx).Create(project).Error
}

// GetProjects 查找 Token 的项目记录
func (r *Repository) GetProjects(ctx context.Context, tokenID uint) ([]models.Project, error) {
	var projects []models.Project
	err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).Order("id ASC").Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// IncrementTokenStats 统计计数加一
// 日期变化时先清零当日计数；错误同时累加连续错误数
func (r *Repository) IncrementTokenStats(ctx context.Context, id uint, kind models.StatKind) error {
	today := r.now().Format(dayLayout)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stats models.TokenStats
		err := tx.Where(models.TokenStats{TokenID: id}).
			Attrs(models.TokenStats{TodayDate: today}).
			FirstOrCreate(&stats).Error
		if err != nil {
			return err
		}

		if stats.TodayDate != today {
			stats.TodayDate = today
			stats.TodayImageCount = 0
			stats.TodayVideoCount = 0
			stats.TodayErrorCount = 0
		}

		switch kind {
		case models.StatImage:
			stats.ImageCount++
			stats.TodayImageCount++
		case models.StatVideo:
			stats.VideoCount++
			stats.TodayVideoCount++
		case models.StatError:
			stats.ErrorCount++
			stats.ConsecutiveErrorCount++
			stats.TodayErrorCount++
		default:
			return fmt.Errorf("unknown stat kind %q", kind)
		}

		return tx.Save(&stats).Error
	})
}

// ResetErrorCount 清零连续错误数，累计和当日错误数保持不变
func (r *Repository) ResetErrorCount(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.TokenStats{}).
		Where("token_id = ?", id).
		Update("consecutive_error_count", 0).Error
}

// GetTokenStats 获取统计记录，不存在时返回零值
func (r *Repository) GetTokenStats(ctx context.Context, id uint) (*models.TokenStats, error) {
	var stats models.TokenStats
	err := r.db.WithContext(ctx).Where("token_id = ?", id).First(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.TokenStats{TokenID: id}, nil
		}
		return nil, err
	}
	return &stats, nil
}

// GetAdminConfig 获取管理配置，记录不存在时返回默认值
func (r *Repository) GetAdminConfig(ctx context.Context) (*models.AdminConfig, error) {
	var cfg models.AdminConfig
	err := r.db.WithContext(ctx).First(&cfg, 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.AdminConfig{ID: 1, ErrorBanThreshold: models.DefaultErrorBanThreshold}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// UpdateAdminConfig 更新连续错误禁用阈值
func (r *Repository) UpdateAdminConfig(ctx context.Context, threshold int) error {
	cfg := models.AdminConfig{ID: 1}
	return r.db.WithContext(ctx).
		Where(models.AdminConfig{ID: 1}).
		Assign(models.AdminConfig{ErrorBanThreshold: threshold}).
		FirstOrCreate(&cfg).Error
}

// GetCaptchaConfig 获取验证码配置，记录不存在时返回空配置
func (r *Repository) GetCaptchaConfig(ctx context.Context) (*models.CaptchaConfig, error) {
	var cfg models.CaptchaConfig
	err := r.db.WithContext(ctx).First(&cfg, 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.CaptchaConfig{ID: 1}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// UpdateCaptchaConfig 部分更新验证码配置
func (r *Repository) UpdateCaptchaConfig(ctx context.Context, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.CaptchaConfig{}).Where("id = ?", 1).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("验证码配置记录不存在")
	}
	return nil
}
