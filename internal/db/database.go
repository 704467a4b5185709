package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mieluoxxx/Flow2API/internal/config"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDatabase 初始化数据库连接
func InitDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	// 确保数据目录存在
	if cfg.Path != ":memory:" {
		dbDir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 获取底层 SQL DB 以配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Path == ":memory:" {
		// 每个连接都是独立的内存库
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info().
		Str("path", cfg.Path).
		Int("max_open", maxOpen).
		Int("max_idle", cfg.MaxIdleConns).
		Dur("lifetime", cfg.ConnMaxLifetime).
		Msg("数据库连接成功")

	return db, nil
}

// AutoMigrate 自动迁移所有数据模型并写入默认数据
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Token{},
		&models.Project{},
		&models.TokenStats{},
		&models.AdminConfig{},
		&models.CaptchaConfig{},
		&models.SystemEvent{},
	)
	if err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	if err := initDefaultData(db); err != nil {
		return err
	}

	log.Info().Msg("数据库迁移完成")
	return nil
}

// initDefaultData 写入单行配置表的默认记录
func initDefaultData(db *gorm.DB) error {
	admin := models.AdminConfig{ID: 1, ErrorBanThreshold: models.DefaultErrorBanThreshold}
	if err := db.FirstOrCreate(&admin, models.AdminConfig{ID: 1}).Error; err != nil {
		return fmt.Errorf("初始化管理配置失败: %w", err)
	}

	captcha := models.CaptchaConfig{ID: 1}
	if err := db.FirstOrCreate(&captcha, models.CaptchaConfig{ID: 1}).Error; err != nil {
		return fmt.Errorf("初始化验证码配置失败: %w", err)
	}
	return nil
}

// SeedFromConfig 用启动配置覆盖数据库中的可调参数
// 仅覆盖配置中显式给出的值，数据库中后续的修改在下次启动前保持有效
func SeedFromConfig(db *gorm.DB, cfg *config.Config) error {
	if cfg.Pool.ErrorBanThreshold > 0 {
		err := db.Model(&models.AdminConfig{}).Where("id = ?", 1).
			Update("error_ban_threshold", cfg.Pool.ErrorBanThreshold).Error
		if err != nil {
			return fmt.Errorf("写入管理配置失败: %w", err)
		}
	}

	if cfg.Captcha.Method == "" {
		return nil
	}
	fields := map[string]interface{}{
		"method":                models.CaptchaMethod(cfg.Captcha.Method),
		"solver_api_key":        cfg.Captcha.SolverAPIKey,
		"solver_base_url":       cfg.Captcha.SolverBaseURL,
		"scraping_browser_url":  cfg.Captcha.ScrapingBrowserURL,
		"browser_proxy_enabled": cfg.Captcha.BrowserProxyEnabled,
		"browser_proxy_url":     cfg.Captcha.BrowserProxyURL,
	}
	result := db.Model(&models.CaptchaConfig{}).Where("id = ?", 1).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("写入验证码配置失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.New("验证码配置记录不存在，请先执行迁移")
	}
	return nil
}

// CloseDatabase 关闭数据库连接
func CloseDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("获取 SQL DB 失败: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("关闭数据库失败: %w", err)
	}

	log.Info().Msg("数据库连接已关闭")
	return nil
}
