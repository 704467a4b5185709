package balancer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
)

// FailureType 故障类型
type FailureType string

const (
	TimeoutFailure    FailureType = "timeout"
	ConnectionFailure FailureType = "connection"
	ServerError       FailureType = "server_error"
	RateLimitFailure  FailureType = "rate_limit"
	ClientError       FailureType = "client_error"
	CaptchaFailure    FailureType = "captcha"
	UnknownFailure    FailureType = "unknown"
)

// Classify 根据上游调用错误确定故障类型，err 为 nil 时返回空字符串
func Classify(err error) FailureType {
	if err == nil {
		return ""
	}

	// 1. 本地验证码浏览器不可用，请求未发出
	if errors.Is(err, captcha.ErrBrowserInit) {
		return CaptchaFailure
	}

	// 2. 上游返回的 HTTP 错误
	var apiErr *flow.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return RateLimitFailure
		case apiErr.StatusCode >= 500:
			return ServerError
		default:
			return ClientError
		}
	}

	// 3. 网络错误
	if isTimeoutError(err) {
		return TimeoutFailure
	}
	if isConnectionError(err) {
		return ConnectionFailure
	}
	return UnknownFailure
}

// isTimeoutError 检查是否为超时错误
func isTimeoutError(err error) bool {
	// 检查context.DeadlineExceeded
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// 检查网络超时
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// 检查错误消息中的超时关键词
	errMsg := strings.ToLower(err.Error())
	for _, keyword := range []string{"timeout", "deadline exceeded", "timed out"} {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// isConnectionError 检查是否为连接错误
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// 检查错误消息中的连接关键词
	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused", "connection reset", "connection aborted",
		"network is unreachable", "host is unreachable",
		"no route to host", "broken pipe", "eof", "dial",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}
