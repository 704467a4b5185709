package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/generation"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeImages(t *testing.T) {
	images, err := decodeImages([]string{"aGVsbG8=", "data:image/png;base64,d29ybGQ="})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "hello", string(images[0]))
	assert.Equal(t, "world", string(images[1]))

	_, err = decodeImages([]string{"%%%"})
	assert.Error(t, err)

	images, err = decodeImages(nil)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestHandleGenerationError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"参数错误", fmt.Errorf("%w: bad", generation.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{"无可用 Token", balancer.ErrNoAvailableToken, http.StatusServiceUnavailable, "NO_AVAILABLE_TOKEN"},
		{"AT 不可用", generation.ErrTokenUnavailable, http.StatusServiceUnavailable, "NO_AVAILABLE_TOKEN"},
		{"429", &flow.APIError{StatusCode: 429, StatusText: "RESOURCE_EXHAUSTED", Message: "quota"}, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},
		{"上游 500", &flow.APIError{StatusCode: 500, StatusText: "INTERNAL", Message: "boom"}, http.StatusBadGateway, "INTERNAL"},
		{"网络错误", &flow.TransportError{Op: "generate_image", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "UPSTREAM_UNREACHABLE"},
		{"验证码浏览器不可用", fmt.Errorf("generate_image: verification token: %w", captcha.ErrBrowserInit), http.StatusServiceUnavailable, "CAPTCHA_UNAVAILABLE"},
		{"其他", errors.New("db locked"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	h := &GenerationHandler{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			h.handleGenerationError(c, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
		})
	}
}
