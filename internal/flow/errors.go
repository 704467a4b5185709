package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError 上游返回的结构化错误（HTTP 状态码 >= 400）
type APIError struct {
	StatusCode int    // HTTP 状态码
	StatusText string // 上游错误分类，例如 RESOURCE_EXHAUSTED；无法解析时为 HTTP_<code>
	Message    string // 可读的错误信息
	Body       []byte // 原始响应体
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s - %s", e.StatusCode, e.StatusText, e.Message)
}

// TransportError 网络错误或超时，不做内部重试
type TransportError struct {
	Op      string
	Method  string
	URL     string
	Elapsed time.Duration
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("flow api request failed: %s %s after %dms: %v",
		e.Method, e.URL, e.Elapsed.Milliseconds(), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRateLimited 是否为 429 限流错误
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// StatusCode 返回错误中的 HTTP 状态码，非 APIError 返回 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// errorEnvelope 上游错误响应格式 {"error": {"code", "message", "status"}}
type errorEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseAPIError 解析错误响应，解析失败时使用原始文本
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		StatusText: fmt.Sprintf("HTTP_%d", statusCode),
		Message:    string(body),
		Body:       body,
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return apiErr
	}
	if env.Error.Status != "" {
		apiErr.StatusText = env.Error.Status
	}
	if env.Error.Message != "" {
		apiErr.Message = env.Error.Message
	}
	return apiErr
}
