package captcha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/rs/zerolog/log"
)

// DefaultSolverBaseURL 默认打码平台地址
const DefaultSolverBaseURL = "https://api.yescaptcha.com"

// ConfigSource 验证码配置来源
type ConfigSource interface {
	GetCaptchaConfig(ctx context.Context) (*models.CaptchaConfig, error)
}

// Service 验证码服务
// 每次获取时读取最新配置并选择对应方式
// 只有浏览器初始化失败会作为错误返回，其余失败都返回空 token
type Service struct {
	config   ConfigSource
	solver   *Solver
	launcher Launcher
	metrics  *stats.Metrics

	mu       sync.Mutex
	browsers map[models.CaptchaMethod]*Browser
}

// NewService 创建验证码服务
func NewService(config ConfigSource, solver *Solver, launcher Launcher, metrics *stats.Metrics) *Service {
	return &Service{
		config:   config,
		solver:   solver,
		launcher: launcher,
		metrics:  metrics,
		browsers: make(map[models.CaptchaMethod]*Browser),
	}
}

// Token 获取 reCAPTCHA token
// 未配置或获取失败时返回 ("", nil)；浏览器无法启动时返回包装了 ErrBrowserInit 的错误
func (s *Service) Token(ctx context.Context, projectID string) (string, error) {
	cfg, err := s.config.GetCaptchaConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load captcha config failed")
		return "", nil
	}

	method := string(cfg.Method)
	start := time.Now()
	token, err := s.acquire(ctx, cfg, projectID)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, errNotConfigured):
		s.metrics.ObserveCaptcha(method, stats.OutcomeSkipped, elapsed)
		log.Debug().Str("method", method).Msg("captcha not configured, skipping")
		return "", nil
	case errors.Is(err, ErrBrowserInit):
		s.metrics.ObserveCaptcha(method, stats.OutcomeFailed, elapsed)
		log.Error().Err(err).Str("method", method).Msg("captcha browser unavailable")
		return "", fmt.Errorf("captcha %s: %w", method, err)
	case err != nil:
		s.metrics.ObserveCaptcha(method, stats.OutcomeFailed, elapsed)
		log.Warn().Err(err).Str("method", method).Str("project_id", projectID).Dur("elapsed", elapsed).Msg("captcha acquisition failed")
		return "", nil
	}

	s.metrics.ObserveCaptcha(method, stats.OutcomeOK, elapsed)
	log.Debug().Str("method", method).Dur("elapsed", elapsed).Msg("captcha acquired")
	return token, nil
}

var errNotConfigured = errors.New("captcha not configured")

func (s *Service) acquire(ctx context.Context, cfg *models.CaptchaConfig, projectID string) (string, error) {
	switch cfg.Method {
	case models.CaptchaMethodSolver:
		if cfg.SolverAPIKey == "" || s.solver == nil {
			return "", errNotConfigured
		}
		baseURL := cfg.SolverBaseURL
		if baseURL == "" {
			baseURL = DefaultSolverBaseURL
		}
		return s.solver.Solve(ctx, baseURL, cfg.SolverAPIKey, projectID)

	case models.CaptchaMethodBrowser, models.CaptchaMethodScrapingBrowser:
		browser, err := s.browser(cfg)
		if err != nil {
			return "", err
		}
		return browser.Token(ctx, projectID)
	}
	return "", errNotConfigured
}

// browser 获取对应方式的浏览器，首次使用时按当前配置创建
func (s *Service) browser(cfg *models.CaptchaConfig) (*Browser, error) {
	if s.launcher == nil {
		return nil, errNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.browsers[cfg.Method]; ok {
		return b, nil
	}

	var opts LaunchOptions
	if cfg.Method == models.CaptchaMethodScrapingBrowser {
		if cfg.ScrapingBrowserURL == "" {
			return nil, errNotConfigured
		}
		opts.CDPEndpoint = cfg.ScrapingBrowserURL
	} else if cfg.BrowserProxyEnabled && cfg.BrowserProxyURL != "" {
		if err := proxy.ValidateBrowserProxyURL(cfg.BrowserProxyURL); err != nil {
			return nil, err
		}
		p, err := proxy.Parse(cfg.BrowserProxyURL)
		if err != nil {
			return nil, err
		}
		opts.Proxy = p
	}

	b := NewBrowser(s.launcher, opts)
	s.browsers[cfg.Method] = b
	return b, nil
}

// Close 关闭所有已启动的浏览器
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for method, b := range s.browsers {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.browsers, method)
	}
	return errors.Join(errs...)
}
