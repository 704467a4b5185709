package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// 浏览器上下文参数
const (
	contextUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	contextLocale    = "en-US"
	contextTimezone  = "America/New_York"
	viewportWidth    = 1920
	viewportHeight   = 1080
)

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-setuid-sandbox",
}

// PlaywrightLauncher 基于 playwright-go 的浏览器引擎
type PlaywrightLauncher struct {
	// Install 启动前下载驱动和 chromium
	Install bool
}

// Launch 启动本地 chromium 或通过 CDP 连接远程浏览器
func (l PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var browser playwright.Browser
	if opts.CDPEndpoint != "" {
		browser, err = pw.Chromium.ConnectOverCDP(opts.CDPEndpoint)
	} else {
		launch := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(true),
			Args:     launchArgs,
		}
		if opts.Proxy != nil {
			p := &playwright.Proxy{Server: opts.Proxy.Server}
			if opts.Proxy.HasAuth() {
				p.Username = playwright.String(opts.Proxy.Username)
				p.Password = playwright.String(opts.Proxy.Password)
			}
			launch.Proxy = p
		}
		browser, err = pw.Chromium.Launch(launch)
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	return &playwrightInstance{pw: pw, browser: browser}, nil
}

type playwrightInstance struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

func (i *playwrightInstance) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bctx, err := i.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:   &playwright.Size{Width: viewportWidth, Height: viewportHeight},
		UserAgent:  playwright.String(contextUserAgent),
		Locale:     playwright.String(contextLocale),
		TimezoneId: playwright.String(contextTimezone),
	})
	if err != nil {
		return nil, err
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, err
	}
	return &playwrightSession{context: bctx, page: page}, nil
}

func (i *playwrightInstance) Close() error {
	var errs []error
	if err := i.browser.Close(); err != nil && !isClosedError(err) {
		errs = append(errs, err)
	}
	if err := i.pw.Stop(); err != nil && !isClosedError(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type playwrightSession struct {
	context playwright.BrowserContext
	page    playwright.Page
}

func (s *playwrightSession) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (s *playwrightSession) Evaluate(ctx context.Context, script string, arg interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if arg == nil {
		return s.page.Evaluate(script)
	}
	return s.page.Evaluate(script, arg)
}

func (s *playwrightSession) Close() error {
	return s.context.Close()
}
