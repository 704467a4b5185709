package models

import "time"

// DefaultErrorBanThreshold 默认连续错误禁用阈值
const DefaultErrorBanThreshold = 3

// AdminConfig 全局可调参数（单行表，ID 固定为 1）
type AdminConfig struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ErrorBanThreshold int       `gorm:"not null;default:3" json:"error_ban_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName 指定表名
func (AdminConfig) TableName() string {
	return "admin_config"
}

// CaptchaMethod 验证码获取方式
type CaptchaMethod string

const (
	CaptchaMethodNone            CaptchaMethod = ""
	CaptchaMethodSolver          CaptchaMethod = "yescaptcha"
	CaptchaMethodBrowser         CaptchaMethod = "browser"
	CaptchaMethodScrapingBrowser CaptchaMethod = "scraping_browser"
)

// CaptchaConfig 验证码配置（单行表，ID 固定为 1）
type CaptchaConfig struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	Method              CaptchaMethod `gorm:"type:varchar(32)" json:"method"`
	SolverAPIKey        string        `gorm:"type:text" json:"-"`
	SolverBaseURL       string        `gorm:"type:varchar(255)" json:"solver_base_url"`
	ScrapingBrowserURL  string        `gorm:"type:text" json:"-"`
	BrowserProxyEnabled bool          `gorm:"not null;default:false" json:"browser_proxy_enabled"`
	BrowserProxyURL     string        `gorm:"type:varchar(255)" json:"browser_proxy_url"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// TableName 指定表名
func (CaptchaConfig) TableName() string {
	return "captcha_config"
}
