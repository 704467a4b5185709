package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 FLOW2API_SERVER_PORT
const EnvPrefix = "FLOW2API"

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`                   // 数据库文件路径
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=1"`            // 最大连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`            // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`                          // 连接最大生命周期
	AutoMigrate     bool          `mapstructure:"auto_migrate"`                               // 是否自动迁移
	EncryptionKey   string        `mapstructure:"encryption_key" validate:"omitempty,base64"` // Session Token 加密密钥（Base64，32 字节）
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Debug       bool   `mapstructure:"debug"`         // 打印上游请求/响应
	AdminAPIKey string `mapstructure:"admin_api_key"` // 管理接口密钥，为空则不校验
}

// FlowConfig 上游接口配置
type FlowConfig struct {
	LabsBaseURL string        `mapstructure:"labs_base_url" validate:"required,url"`
	APIBaseURL  string        `mapstructure:"api_base_url" validate:"required,url"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Impersonate bool          `mapstructure:"impersonate"` // 模拟 Chrome TLS 指纹
}

// ProxyConfig 出站代理配置
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`
}

// CaptchaConfig 验证码配置（启动时写入数据库作为初始值）
type CaptchaConfig struct {
	Method              string `mapstructure:"method" validate:"omitempty,oneof=yescaptcha browser scraping_browser"`
	SolverAPIKey        string `mapstructure:"solver_api_key"`
	SolverBaseURL       string `mapstructure:"solver_base_url" validate:"omitempty,url"`
	ScrapingBrowserURL  string `mapstructure:"scraping_browser_url"`
	BrowserProxyEnabled bool   `mapstructure:"browser_proxy_enabled"`
	BrowserProxyURL     string `mapstructure:"browser_proxy_url" validate:"browser_proxy"`
}

// PoolConfig 凭据池配置
type PoolConfig struct {
	ErrorBanThreshold int           `mapstructure:"error_ban_threshold" validate:"min=1"`
	UnbanInterval     time.Duration `mapstructure:"unban_interval" validate:"gt=0"`
	// EventRetentionDays 启动时清理早于该天数的系统事件，0 表示不清理
	EventRetentionDays int `mapstructure:"event_retention_days" validate:"min=0"`
}

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Pool     PoolConfig     `mapstructure:"pool"`
}

// setDefaults 默认配置
// 每个键都需要默认值，否则 AutomaticEnv 无法覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.admin_api_key", "")

	v.SetDefault("database.path", "./data/flow2api.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.encryption_key", "")

	v.SetDefault("flow.labs_base_url", "https://labs.google/fx/api")
	v.SetDefault("flow.api_base_url", "https://aisandbox-pa.googleapis.com/v1")
	v.SetDefault("flow.timeout", 120*time.Second)
	v.SetDefault("flow.impersonate", true)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.url", "")

	v.SetDefault("captcha.method", "")
	v.SetDefault("captcha.solver_api_key", "")
	v.SetDefault("captcha.solver_base_url", "https://api.yescaptcha.com")
	v.SetDefault("captcha.scraping_browser_url", "")
	v.SetDefault("captcha.browser_proxy_enabled", false)
	v.SetDefault("captcha.browser_proxy_url", "")

	v.SetDefault("pool.error_ban_threshold", 3)
	v.SetDefault("pool.unban_interval", 10*time.Minute)
	v.SetDefault("pool.event_retention_days", 30)
}

// LoadConfig 加载配置
// 优先级：环境变量 > 配置文件 > 默认值；当前目录的 .env 会先被载入环境变量
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("browser_proxy", func(fl validator.FieldLevel) bool {
		return proxy.ValidateBrowserProxyURL(fl.Field().String()) == nil
	}); err != nil {
		return err
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "browser_proxy" {
				// 返回具体原因，便于排查
				return fmt.Errorf("配置校验失败: %s: %w", fe.Namespace(), proxy.ValidateBrowserProxyURL(c.Captcha.BrowserProxyURL))
			}
		}
	}
	return fmt.Errorf("配置校验失败: %w", err)
}
