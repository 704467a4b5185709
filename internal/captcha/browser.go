package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/rs/zerolog/log"
)

// ErrBrowserInit 浏览器初始化失败
var ErrBrowserInit = errors.New("browser initialization failed")

const (
	defaultReadyAttempts = 20
	defaultReadyInterval = 500 * time.Millisecond
	defaultSettleDelay   = time.Second
	navigationTimeout    = 30 * time.Second
)

const (
	readyScript   = `() => !!(window.grecaptcha && typeof window.grecaptcha.execute === 'function')`
	injectScript  = `(src) => { if (!document.querySelector('script[src*="recaptcha"]')) { const s = document.createElement('script'); s.src = src; s.async = true; document.head.appendChild(s); } }`
	executeScript = `([siteKey, action]) => new Promise((resolve, reject) => {
		window.grecaptcha.ready(() => {
			window.grecaptcha.execute(siteKey, { action }).then(resolve).catch(reject);
		});
	})`
)

// LaunchOptions 浏览器启动参数
type LaunchOptions struct {
	// CDPEndpoint 非空时连接远程浏览器，忽略 Proxy
	CDPEndpoint string
	Proxy       *proxy.Config
}

// Launcher 浏览器引擎
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// Instance 已启动的浏览器
type Instance interface {
	// NewSession 创建隔离的浏览器上下文
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session 单次获取验证码使用的隔离上下文
type Session interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string, arg interface{}) (interface{}, error)
	Close() error
}

// Browser 浏览器验证码获取器
// 浏览器进程懒加载并在进程内复用，每次获取都使用新的隔离上下文
type Browser struct {
	launcher Launcher
	opts     LaunchOptions

	// mu 保护初始化和关闭，current 非空即已初始化
	mu      sync.Mutex
	current atomic.Pointer[instanceRef]

	readyAttempts int
	readyInterval time.Duration
	settleDelay   time.Duration
}

// NewBrowser 创建浏览器验证码获取器，此时不会启动浏览器
func NewBrowser(launcher Launcher, opts LaunchOptions) *Browser {
	return &Browser{
		launcher:      launcher,
		opts:          opts,
		readyAttempts: defaultReadyAttempts,
		readyInterval: defaultReadyInterval,
		settleDelay:   defaultSettleDelay,
	}
}

type instanceRef struct {
	Instance
}

// init 启动浏览器（双重检查，只初始化一次）
func (b *Browser) init(ctx context.Context) (Instance, error) {
	if ref := b.current.Load(); ref != nil {
		return ref.Instance, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ref := b.current.Load(); ref != nil {
		return ref.Instance, nil
	}

	instance, err := b.launcher.Launch(ctx, b.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserInit, err)
	}
	b.current.Store(&instanceRef{Instance: instance})

	event := log.Info()
	if b.opts.CDPEndpoint != "" {
		event = event.Str("mode", "cdp")
	} else {
		event = event.Str("mode", "local")
		if b.opts.Proxy != nil {
			event = event.Str("proxy", b.opts.Proxy.Server)
		}
	}
	event.Msg("captcha browser started")
	return instance, nil
}

// Token 获取 reCAPTCHA token
func (b *Browser) Token(ctx context.Context, projectID string) (string, error) {
	instance, err := b.init(ctx)
	if err != nil {
		return "", err
	}

	session, err := instance.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("new browser context: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil && !isClosedError(err) {
			log.Warn().Err(err).Msg("close browser context failed")
		}
	}()

	// 1. 打开项目页面，失败不影响后续步骤
	pageURL := ProjectPageURL(projectID)
	if err := session.Goto(ctx, pageURL, navigationTimeout); err != nil {
		log.Warn().Err(err).Str("url", pageURL).Msg("project page navigation failed, continuing")
	}

	// 2. 注入 reCAPTCHA 脚本
	ready, err := b.isReady(ctx, session)
	if err != nil {
		return "", err
	}
	if !ready {
		scriptURL := "https://www.google.com/recaptcha/api.js?render=" + SiteKey
		if _, err := session.Evaluate(ctx, injectScript, scriptURL); err != nil {
			return "", fmt.Errorf("inject recaptcha script: %w", err)
		}

		// 3. 等待脚本就绪，超时后仍然尝试执行
		for i := 0; i < b.readyAttempts && !ready; i++ {
			if err := sleep(ctx, b.readyInterval); err != nil {
				return "", err
			}
			if ready, err = b.isReady(ctx, session); err != nil {
				return "", err
			}
		}
		if !ready {
			log.Warn().Str("project_id", projectID).Msg("recaptcha not ready after polling, executing anyway")
		}
	}

	// 4. 执行
	if err := sleep(ctx, b.settleDelay); err != nil {
		return "", err
	}
	result, err := session.Evaluate(ctx, executeScript, []string{SiteKey, PageAction})
	if err != nil {
		return "", fmt.Errorf("execute recaptcha: %w", err)
	}
	token, _ := result.(string)
	if token == "" {
		return "", errors.New("recaptcha returned empty token")
	}
	return token, nil
}

func (b *Browser) isReady(ctx context.Context, session Session) (bool, error) {
	v, err := session.Evaluate(ctx, readyScript, nil)
	if err != nil {
		return false, fmt.Errorf("check recaptcha readiness: %w", err)
	}
	ready, _ := v.(bool)
	return ready, nil
}

// Close 关闭浏览器，忽略连接已关闭的错误
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref := b.current.Swap(nil)
	if ref == nil {
		return nil
	}
	if err := ref.Close(); err != nil && !isClosedError(err) {
		return err
	}
	return nil
}

func isClosedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") || strings.Contains(msg, "has been closed") ||
		strings.Contains(msg, "target closed")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
