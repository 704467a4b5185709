package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/logging"
	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

const (
	sessionCookieName = "__Secure-next-auth.session-token"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	clientCacheTTL    = 30 * time.Minute
	maxLoggedBody     = 2048
)

// TokenSource 验证码 token 来源
// 未获取到时返回 ("", nil)，请求以空 token 继续；返回错误时请求不会发出
type TokenSource interface {
	Token(ctx context.Context, projectID string) (string, error)
}

// Options 客户端配置
type Options struct {
	LabsBaseURL string
	APIBaseURL  string
	Timeout     time.Duration
	Impersonate bool // 模拟 Chrome TLS/HTTP2 指纹
	Debug       bool // 打印请求和响应
}

// Client 上游接口客户端
// labs 接口使用 ST（Cookie）认证，API 接口使用 AT（Bearer）认证
type Client struct {
	opts    Options
	proxies proxy.Selector
	captcha TokenSource
	metrics *stats.Metrics

	// 按代理 URL 缓存 HTTP 客户端，空字符串为直连
	clients *ttlcache.Cache[string, *req.Client]

	now  func() time.Time
	seed func() int
}

// NewClient 创建客户端；proxies 为 nil 时直连，captcha 为 nil 时不携带验证码
func NewClient(opts Options, proxies proxy.Selector, captcha TokenSource, metrics *stats.Metrics) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	opts.LabsBaseURL = strings.TrimRight(opts.LabsBaseURL, "/")
	opts.APIBaseURL = strings.TrimRight(opts.APIBaseURL, "/")
	if proxies == nil {
		proxies = proxy.Direct{}
	}

	clients := ttlcache.New[string, *req.Client](
		ttlcache.WithTTL[string, *req.Client](clientCacheTTL),
	)
	clients.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *req.Client]) {
		item.Value().GetClient().CloseIdleConnections()
	})
	go clients.Start()

	return &Client{
		opts:    opts,
		proxies: proxies,
		captcha: captcha,
		metrics: metrics,
		clients: clients,
		now:     time.Now,
		seed:    func() int { return rand.Intn(MaxSeed) + 1 },
	}
}

// Close 停止客户端缓存的清理协程
func (c *Client) Close() {
	c.clients.Stop()
	c.clients.DeleteAll()
}

// auth 单次请求的认证方式，session 与 bearer 只会设置一个
type auth struct {
	session string
	bearer  string
}

func sessionAuth(st string) auth { return auth{session: st} }
func bearerAuth(at string) auth  { return auth{bearer: at} }

// httpClient 获取指定代理的 HTTP 客户端
func (c *Client) httpClient(proxyURL string) *req.Client {
	if item := c.clients.Get(proxyURL); item != nil {
		return item.Value()
	}

	hc := req.C().SetTimeout(c.opts.Timeout)
	if c.opts.Impersonate {
		hc.ImpersonateChrome()
	} else {
		hc.SetUserAgent(defaultUserAgent)
	}
	if proxyURL != "" {
		hc.SetProxyURL(proxyURL)
	}
	c.clients.Set(proxyURL, hc, ttlcache.DefaultTTL)
	return hc
}

// do 统一请求处理
// 非 2xx 响应转换为 *APIError，网络错误和超时转换为 *TransportError
func (c *Client) do(ctx context.Context, op, method, url string, a auth, body interface{}, out interface{}) error {
	proxyURL, err := c.proxies.ProxyURL(ctx)
	if err != nil {
		return &TransportError{Op: op, Method: method, URL: url, Err: fmt.Errorf("select proxy: %w", err)}
	}

	r := c.httpClient(proxyURL).R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")

	// 1. 认证
	switch {
	case a.session != "":
		r.SetHeader("Cookie", sessionCookieName+"="+a.session)
	case a.bearer != "":
		r.SetHeader("authorization", "Bearer "+a.bearer)
	}

	// 2. 请求体
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		r.SetBodyBytes(payload)
	}

	if c.opts.Debug {
		log.Debug().
			Str("op", op).
			Str("method", method).
			Str("url", url).
			Str("proxy", proxyURL).
			Str("auth", maskAuth(a)).
			Str("body", truncate(payload)).
			Msg("upstream request")
	}

	// 3. 发送
	start := time.Now()
	resp, err := r.Send(method, url)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.ObserveUpstream(op, stats.OutcomeTransportError, elapsed)
		log.Warn().Err(err).Str("op", op).Dur("elapsed", elapsed).Msg("upstream transport error")
		return &TransportError{Op: op, Method: method, URL: url, Elapsed: elapsed, Err: err}
	}

	raw := resp.Bytes()
	if c.opts.Debug {
		log.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Str("body", truncate(raw)).
			Msg("upstream response")
	}

	// 4. 状态码检查
	if resp.StatusCode >= http.StatusBadRequest {
		c.metrics.ObserveUpstream(op, stats.OutcomeAPIError, elapsed)
		return parseAPIError(resp.StatusCode, raw)
	}
	c.metrics.ObserveUpstream(op, stats.OutcomeOK, elapsed)

	// 5. 解析响应
	if out == nil || len(raw) == 0 {
		return nil
	}
	if rawOut, ok := out.(*json.RawMessage); ok {
		*rawOut = append((*rawOut)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解析 %s 响应失败: %w", op, err)
	}
	return nil
}

// verificationToken 获取本次请求的验证码
// 未获取到时返回空字符串，验证码来源不可用时返回错误
func (c *Client) verificationToken(ctx context.Context, op, projectID string) (string, error) {
	if c.captcha == nil {
		return "", nil
	}
	token, err := c.captcha.Token(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("%s: verification token: %w", op, err)
	}
	if token == "" {
		log.Debug().Str("project_id", projectID).Msg("verification token unavailable, continuing without it")
	}
	return token, nil
}

// newSessionID 生成 sessionId: ";<毫秒时间戳>"
func (c *Client) newSessionID() string {
	return fmt.Sprintf(";%d", c.now().UnixMilli())
}

// newSceneID 生成 sceneId
func newSceneID() string {
	return uuid.NewString()
}

func (c *Client) labsURL(path string) string { return c.opts.LabsBaseURL + path }
func (c *Client) apiURL(path string) string  { return c.opts.APIBaseURL + path }

func maskAuth(a auth) string {
	switch {
	case a.session != "":
		return "session " + logging.Mask(a.session)
	case a.bearer != "":
		return "bearer " + logging.Mask(a.bearer)
	}
	return "none"
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}
