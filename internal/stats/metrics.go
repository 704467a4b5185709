package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flow2api"

// 结果标签
const (
	OutcomeOK             = "ok"
	OutcomeAPIError       = "api_error"
	OutcomeTransportError = "transport_error"
	OutcomeFailed         = "failed"
	OutcomeSkipped        = "skipped"
)

// Metrics 凭据池、上游请求和验证码的指标
// 所有方法允许 nil 接收者，未配置指标时直接忽略
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	tokenBans        *prometheus.CounterVec
	tokenUnbans      prometheus.Counter
	captchaRequests  *prometheus.CounterVec
	captchaDuration  *prometheus.HistogramVec
	selections       *prometheus.CounterVec
	adminRequests    *prometheus.CounterVec
	genFailures      *prometheus.CounterVec
}

// NewMetrics 创建指标集合，使用独立的 Registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream API call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by outcome.",
		}, []string{"outcome"}),
		tokenBans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_bans_total",
			Help:      "Credential disablements by reason.",
		}, []string{"reason"}),
		tokenUnbans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_unbans_total",
			Help:      "Credentials reactivated by the rate-limit sweep.",
		}),
		captchaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_requests_total",
			Help:      "Verification token acquisitions by method and outcome.",
		}, []string{"method", "outcome"}),
		captchaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "captcha_duration_seconds",
			Help:      "Verification token acquisition latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"method"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_selections_total",
			Help:      "Credential selections by capability and outcome.",
		}, []string{"capability", "outcome"}),
		adminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Admin API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		genFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Failed generation calls by kind and failure type.",
		}, []string{"kind", "failure"}),
	}

	m.registry.MustRegister(
		m.upstreamRequests,
		m.upstreamDuration,
		m.tokenRefreshes,
		m.tokenBans,
		m.tokenUnbans,
		m.captchaRequests,
		m.captchaDuration,
		m.selections,
		m.adminRequests,
		m.genFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream 记录一次上游调用
func (m *Metrics) ObserveUpstream(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(operation, outcome).Inc()
	m.upstreamDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveRefresh 记录一次 AT 刷新
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveBan 记录一次禁用
func (m *Metrics) ObserveBan(reason string) {
	if m == nil {
		return
	}
	m.tokenBans.WithLabelValues(reason).Inc()
}

// ObserveUnban 记录自动解禁数量
func (m *Metrics) ObserveUnban(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokenUnbans.Add(float64(n))
}

// ObserveCaptcha 记录一次验证码获取
func (m *Metrics) ObserveCaptcha(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.captchaRequests.WithLabelValues(method, outcome).Inc()
	m.captchaDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveSelection 记录一次凭据选择
func (m *Metrics) ObserveSelection(capability, outcome string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(capability, outcome).Inc()
}

// ObserveAdminRequest 记录一次管理接口请求
func (m *Metrics) ObserveAdminRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.adminRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// ObserveGenerationFailure 记录一次失败的生成调用，failure 为错误分类
func (m *Metrics) ObserveGenerationFailure(kind, failure string) {
	if m == nil {
		return
	}
	m.genFailures.WithLabelValues(kind, failure).Inc()
}
