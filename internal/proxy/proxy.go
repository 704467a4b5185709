package proxy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidProxyURL 代理 URL 格式错误
	ErrInvalidProxyURL = errors.New("invalid proxy url: expected http://host:port or socks5://host:port")
	// ErrSocks5Auth 浏览器不支持带认证的 SOCKS5 代理
	ErrSocks5Auth = errors.New("socks5 proxy with credentials is not supported by the browser")
)

// Selector 出站代理选择器
// 每次调用返回一个代理 URL，空字符串表示直连
type Selector interface {
	ProxyURL(ctx context.Context) (string, error)
}

// Static 固定代理选择器
type Static struct {
	enabled bool
	url     string
}

// NewStatic 创建固定代理选择器
func NewStatic(enabled bool, url string) *Static {
	return &Static{enabled: enabled, url: strings.TrimSpace(url)}
}

// ProxyURL 返回配置的代理，未启用时返回空字符串
func (s *Static) ProxyURL(ctx context.Context) (string, error) {
	if s == nil || !s.enabled {
		return "", nil
	}
	return s.url, nil
}

// Direct 始终直连
type Direct struct{}

// ProxyURL 返回空字符串
func (Direct) ProxyURL(context.Context) (string, error) { return "", nil }

var proxyPattern = regexp.MustCompile(`^(socks5|http|https)://(?:([^:]+):([^@]+)@)?([^:]+):(\d+)$`)

// Config 解析后的代理配置
type Config struct {
	Scheme   string
	Server   string // scheme://host:port
	Username string
	Password string
}

// HasAuth 是否携带认证信息
func (c *Config) HasAuth() bool {
	return c.Username != "" && c.Password != ""
}

// Parse 解析代理 URL，格式：scheme://[user:pass@]host:port
func Parse(raw string) (*Config, error) {
	m := proxyPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, ErrInvalidProxyURL
	}
	cfg := &Config{
		Scheme: m[1],
		Server: fmt.Sprintf("%s://%s:%s", m[1], m[4], m[5]),
	}
	if m[2] != "" && m[3] != "" {
		cfg.Username = m[2]
		cfg.Password = m[3]
	}
	return cfg, nil
}

// ValidateBrowserProxyURL 校验浏览器代理 URL
// 空值视为不使用代理；HTTP/HTTPS 可带认证，SOCKS5 不可带认证
func ValidateBrowserProxyURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	cfg, err := Parse(raw)
	if err != nil {
		return err
	}
	if cfg.Scheme == "socks5" && cfg.HasAuth() {
		return ErrSocks5Auth
	}
	return nil
}
